// Package record defines the discovery record types produced by scan
// sessions, their stable identity keys, and the fold logic that reconciles a
// live event stream with an authoritative batch result.
//
// Every record kind carries a deterministic key computed from fields the
// agent guarantees to be present for that kind. Within one session the
// result set never holds two records with the same key.
package record

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind discriminates the record variants.
type Kind string

const (
	KindHost        Kind = "host"
	KindMdnsService Kind = "mdns_service"
	KindUpnpDevice  Kind = "upnp_device"
	KindWifiNetwork Kind = "wifi_network"
	KindOpenPort    Kind = "open_port"
)

// Record is one discovered fact (a live host, an mDNS service, a UPnP
// device, a WiFi network, an open port).
type Record interface {
	// RecordKind returns the variant tag.
	RecordKind() Kind
	// Key returns the stable identity key for deduplication. Pure, total,
	// and deterministic for any valid record.
	Key() string
}

// HostRecord describes a responding host found by a subnet or ping scan.
type HostRecord struct {
	IPAddress  string  `json:"ip_address"`
	Hostname   string  `json:"hostname,omitempty"`
	MACAddress string  `json:"mac_address,omitempty"`
	Vendor     string  `json:"vendor,omitempty"`
	RTTMillis  float64 `json:"rtt_ms"`
	TTL        int     `json:"ttl,omitempty"`
}

// RecordKind implements Record.
func (r HostRecord) RecordKind() Kind { return KindHost }

// Key returns the case-normalized IP address. IPv4 literals are unaffected;
// IPv6 literals fold to lowercase so textual variants of one address collide.
func (r HostRecord) Key() string {
	return strings.ToLower(strings.TrimSpace(r.IPAddress))
}

// MdnsServiceRecord describes one advertised mDNS/DNS-SD service instance.
type MdnsServiceRecord struct {
	ServiceName string            `json:"service_name"`
	ServiceType string            `json:"service_type"`
	Hostname    string            `json:"hostname,omitempty"`
	IPAddresses []string          `json:"ip_addresses,omitempty"`
	Port        int               `json:"port"`
	TXTRecords  map[string]string `json:"txt_records,omitempty"`
}

// RecordKind implements Record.
func (r MdnsServiceRecord) RecordKind() Kind { return KindMdnsService }

// Key is lowercase hostname joined with the service type. A missing hostname
// contributes the empty string, so two bare announcements of the same type
// collapse while distinct hosts never collide.
func (r MdnsServiceRecord) Key() string {
	return strings.ToLower(r.Hostname) + "|" + r.ServiceType
}

// UpnpDeviceRecord describes a device announced over SSDP/UPnP. SourceIP is
// the sender address tagged onto the event by the agent at ingestion; it is
// not part of the UPnP payload itself and may be empty.
type UpnpDeviceRecord struct {
	USN          string   `json:"usn"`
	FriendlyName string   `json:"friendly_name,omitempty"`
	DeviceType   string   `json:"device_type,omitempty"`
	Location     string   `json:"location,omitempty"`
	Services     []string `json:"services,omitempty"`
	SourceIP     string   `json:"source_ip,omitempty"`
}

// RecordKind implements Record.
func (r UpnpDeviceRecord) RecordKind() Kind { return KindUpnpDevice }

// Key is the USN verbatim; USNs are globally unique by protocol design.
func (r UpnpDeviceRecord) Key() string { return r.USN }

// WifiNetworkRecord describes one observed WiFi network.
type WifiNetworkRecord struct {
	BSSID                 string `json:"bssid,omitempty"`
	SSID                  string `json:"ssid"`
	SignalStrengthPercent int    `json:"signal_strength_percent"`
	SignalDbm             int    `json:"signal_dbm,omitempty"`
	Band                  string `json:"band,omitempty"`
	SecurityType          string `json:"security_type,omitempty"`
	Channel               int    `json:"channel"`
}

// RecordKind implements Record.
func (r WifiNetworkRecord) RecordKind() Kind { return KindWifiNetwork }

// Key is the BSSID normalized to uppercase colon-separated form. When the
// radio reports no BSSID the key falls back to ssid|channel, which keeps two
// different hidden networks on different channels apart.
func (r WifiNetworkRecord) Key() string {
	if r.BSSID != "" {
		return NormalizeMAC(r.BSSID)
	}
	return r.SSID + "|" + strconv.Itoa(r.Channel)
}

// OpenPortRecord describes one open port on the session's target host. The
// host half of the pair is implied by the session target, so the port number
// alone is the key within a session.
type OpenPortRecord struct {
	Port        int    `json:"port"`
	ServiceName string `json:"service_name,omitempty"`
}

// RecordKind implements Record.
func (r OpenPortRecord) RecordKind() Kind { return KindOpenPort }

// Key implements Record.
func (r OpenPortRecord) Key() string { return strconv.Itoa(r.Port) }

// NormalizeMAC canonicalizes a MAC address to uppercase colon-separated
// form. Inputs it cannot parse are uppercased verbatim so the key stays
// deterministic for malformed agent data.
func NormalizeMAC(mac string) string {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
	}
	return strings.ToUpper(hw.String())
}

// Key returns the identity key for any record, dispatching on its kind.
func Key(r Record) string {
	return r.Key()
}

// Describe returns a short human-readable tag for logs.
func Describe(r Record) string {
	return fmt.Sprintf("%s[%s]", r.RecordKind(), r.Key())
}
