// Package aggregate derives per-device views from heterogeneous discovery
// records. Aggregation is a pure function of the current record set: it is
// recomputed whenever the records change and owns no state of its own, so
// equal inputs always produce structurally equal output.
package aggregate

import (
	"github.com/probelab/netdash/internal/record"
)

// Protocol identifies which discovery protocols contributed to a device.
type Protocol string

const (
	ProtocolNone Protocol = ""
	ProtocolMdns Protocol = "mdns"
	ProtocolUpnp Protocol = "upnp"
	ProtocolBoth Protocol = "both"
)

// Device groups the records that describe one physical host, keyed by IP
// address. A record with no resolvable IP, such as a UPnP device the agent
// did not tag with a sender IP or an mDNS announcement carrying no address
// list, aggregates under a synthetic key and is flagged, instead of
// silently merging into the wrong device.
type Device struct {
	// Key is the stable bucket key: the IP address, or "usn:<USN>" /
	// "mdns:<service key>" for synthetic buckets. Suitable as a UI list key.
	Key         string                     `json:"key"`
	IPAddress   string                     `json:"ip_address,omitempty"`
	DisplayName string                     `json:"display_name"`
	Hostnames   []string                   `json:"hostnames,omitempty"`
	Ports       []int                      `json:"ports,omitempty"`
	Interfaces  []string                   `json:"interfaces,omitempty"`
	Mdns        []record.MdnsServiceRecord `json:"mdns_services,omitempty"`
	Upnp        []record.UpnpDeviceRecord  `json:"upnp_devices,omitempty"`
	Protocol    Protocol                   `json:"primary_protocol"`
	Synthetic   bool                       `json:"synthetic,omitempty"`
}

// builder accumulates one bucket before freezing it into a Device.
type builder struct {
	device       Device
	hostnameSeen map[string]bool
	portSeen     map[int]bool
	ifaceSeen    map[string]bool
	sawMdns      bool
	sawUpnp      bool
	friendlyName string
}

// Aggregate groups mDNS, UPnP, and host records into per-IP devices.
//
// mDNS records expose their own address lists and fan out to every address
// they advertise; a record advertising none falls back to a synthetic
// per-service bucket. UPnP records carry no address in the payload; they join
// the bucket of the agent-supplied SourceIP when present. Host records
// enrich existing buckets and open buckets of their own, so a bare subnet
// scan still yields one device per responding host.
//
// Output order is the insertion order of first-seen buckets, which keeps
// UI list keys stable across recomputation.
func Aggregate(mdns []record.MdnsServiceRecord, upnp []record.UpnpDeviceRecord, hosts []record.HostRecord) []Device {
	builders := make(map[string]*builder)
	order := make([]string, 0, len(mdns)+len(upnp)+len(hosts))

	bucket := func(key, ip string, synthetic bool) *builder {
		b, ok := builders[key]
		if !ok {
			b = &builder{
				device: Device{
					Key:       key,
					IPAddress: ip,
					Synthetic: synthetic,
				},
				hostnameSeen: make(map[string]bool),
				portSeen:     make(map[int]bool),
				ifaceSeen:    make(map[string]bool),
			}
			builders[key] = b
			order = append(order, key)
		}
		return b
	}

	for _, svc := range mdns {
		placed := false
		for _, ip := range svc.IPAddresses {
			if ip == "" {
				continue
			}
			placed = true
			b := bucket(ip, ip, false)
			b.sawMdns = true
			b.device.Mdns = append(b.device.Mdns, svc)
			b.addHostname(svc.Hostname)
			b.addPort(svc.Port)
			for _, other := range svc.IPAddresses {
				if other != ip {
					b.addInterface(other)
				}
			}
		}
		if !placed {
			// An announcement with no resolvable address still shows up,
			// under a synthetic per-service key.
			b := bucket("mdns:"+svc.Key(), "", true)
			b.sawMdns = true
			b.device.Mdns = append(b.device.Mdns, svc)
			b.addHostname(svc.Hostname)
			b.addPort(svc.Port)
		}
	}

	for _, dev := range upnp {
		var b *builder
		if dev.SourceIP != "" {
			b = bucket(dev.SourceIP, dev.SourceIP, false)
		} else {
			b = bucket("usn:"+dev.USN, "", true)
		}
		b.sawUpnp = true
		b.device.Upnp = append(b.device.Upnp, dev)
		if b.friendlyName == "" {
			b.friendlyName = dev.FriendlyName
		}
	}

	for _, host := range hosts {
		if host.IPAddress == "" {
			continue
		}
		b := bucket(host.Key(), host.Key(), false)
		b.addHostname(host.Hostname)
		b.addInterface(host.MACAddress)
	}

	devices := make([]Device, 0, len(order))
	for _, key := range order {
		devices = append(devices, builders[key].freeze())
	}
	return devices
}

func (b *builder) addHostname(name string) {
	if name == "" || b.hostnameSeen[name] {
		return
	}
	b.hostnameSeen[name] = true
	b.device.Hostnames = append(b.device.Hostnames, name)
}

func (b *builder) addPort(port int) {
	if port <= 0 || b.portSeen[port] {
		return
	}
	b.portSeen[port] = true
	b.device.Ports = append(b.device.Ports, port)
}

func (b *builder) addInterface(iface string) {
	if iface == "" || b.ifaceSeen[iface] {
		return
	}
	b.ifaceSeen[iface] = true
	b.device.Interfaces = append(b.device.Interfaces, iface)
}

// freeze finalizes derived fields. Display name resolution order: first
// non-empty hostname, else first UPnP friendly name, else the IP itself.
func (b *builder) freeze() Device {
	switch {
	case b.sawMdns && b.sawUpnp:
		b.device.Protocol = ProtocolBoth
	case b.sawMdns:
		b.device.Protocol = ProtocolMdns
	case b.sawUpnp:
		b.device.Protocol = ProtocolUpnp
	default:
		b.device.Protocol = ProtocolNone
	}

	switch {
	case len(b.device.Hostnames) > 0:
		b.device.DisplayName = b.device.Hostnames[0]
	case b.friendlyName != "":
		b.device.DisplayName = b.friendlyName
	default:
		b.device.DisplayName = b.device.IPAddress
	}
	if b.device.DisplayName == "" {
		// Synthetic bucket with an unnamed UPnP device.
		b.device.DisplayName = b.device.Key
	}
	return b.device
}

// FromRecords splits a mixed record list by kind and aggregates it. The
// session controller holds one flat deduplicated list; this is the bridge
// from that list to the per-device view.
func FromRecords(records []record.Record) []Device {
	var (
		mdns  []record.MdnsServiceRecord
		upnp  []record.UpnpDeviceRecord
		hosts []record.HostRecord
	)
	for _, r := range records {
		switch rec := r.(type) {
		case record.MdnsServiceRecord:
			mdns = append(mdns, rec)
		case record.UpnpDeviceRecord:
			upnp = append(upnp, rec)
		case record.HostRecord:
			hosts = append(hosts, rec)
		}
	}
	return Aggregate(mdns, upnp, hosts)
}
