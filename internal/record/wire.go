package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamKind is the internal event vocabulary every wire event is mapped
// into before it reaches the session controller.
type StreamKind string

const (
	StreamStarted   StreamKind = "started"
	StreamFound     StreamKind = "found"
	StreamProgress  StreamKind = "progress"
	StreamCompleted StreamKind = "completed"
	StreamFailed    StreamKind = "failed"
)

// StreamEvent is one normalized event from the push channel (or the single
// synthesized completion of a pull response).
type StreamEvent struct {
	Kind      StreamKind
	SessionID string

	// Started payload.
	TotalUnits       int
	DeclaredDuration time.Duration

	// Found payload.
	Record Record

	// Progress payload. ReportedPercent is nil when the agent did not
	// report a percentage directly.
	ScannedCount    int
	TotalCount      int
	ReportedPercent *float64

	// Completed payload.
	Result *BatchResult

	// Failed payload.
	ErrorMessage string
	StatusCode   int
}

// BatchResult is the authoritative final payload of a scan, shaped
// identically on the push channel's completed event and the pull response.
type BatchResult struct {
	Records  []Record
	Duration time.Duration
}

// Envelope is the wire framing of every push-channel message.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ErrUnknownEventType reports a wire event type outside the normalization
// table. Callers drop these with a diagnostic rather than failing a session.
type ErrUnknownEventType struct {
	Type string
}

func (e *ErrUnknownEventType) Error() string {
	return fmt.Sprintf("unknown wire event type %q", e.Type)
}

// recordDecoder decodes one found-event payload into a canonical record.
type recordDecoder func(json.RawMessage) (Record, error)

// foundDecoders is the explicit normalization table for found events: wire
// event type to record decoder. Per-tool wire names and their dotted aliases
// all land here; anything absent is an unknown event.
var foundDecoders = map[string]recordDecoder{
	"host_found":           decodeHost,
	"scan.host_found":      decodeHost,
	"mdns_service_found":   decodeMdnsService,
	"discovery.mdns_found": decodeMdnsService,
	"upnp_device_found":    decodeUpnpDevice,
	"discovery.upnp_found": decodeUpnpDevice,
	"wifi_network_found":   decodeWifiNetwork,
	"wifi.network_found":   decodeWifiNetwork,
	"open_port_found":      decodeOpenPort,
	"scan.port_found":      decodeOpenPort,
}

// foundWrapperKeys lists the payload keys a found record may be nested
// under. Older agent builds wrap the record ("service", "device"); newer
// ones send it bare. Checked in order; a bare payload is the last resort.
var foundWrapperKeys = []string{"record", "host", "service", "device", "network", "port"}

// Normalize maps a wire envelope into the internal event vocabulary.
// It returns *ErrUnknownEventType for types outside the table and a plain
// error for payloads that fail to decode; callers treat both as droppable.
func Normalize(env Envelope) (StreamEvent, error) {
	ev := StreamEvent{SessionID: env.SessionID}

	if decode, ok := foundDecoders[env.Type]; ok {
		rec, err := decode(unwrapFound(env.Data))
		if err != nil {
			return ev, fmt.Errorf("decoding %s payload: %w", env.Type, err)
		}
		ev.Kind = StreamFound
		ev.Record = rec
		return ev, nil
	}

	switch env.Type {
	case "started", "scan.started":
		return normalizeStarted(ev, env.Data)
	case "progress", "scan.progress":
		return normalizeProgress(ev, env.Data)
	case "completed", "scan.completed":
		return normalizeCompleted(ev, env.Data)
	case "failed", "scan.failed", "error", "scan.error":
		return normalizeFailed(ev, env.Data)
	default:
		return ev, &ErrUnknownEventType{Type: env.Type}
	}
}

// unwrapFound peels a single wrapper object off a found payload when one of
// the known wrapper keys is present, otherwise returns the payload as-is.
func unwrapFound(data json.RawMessage) json.RawMessage {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return data
	}
	for _, key := range foundWrapperKeys {
		if inner, ok := wrapper[key]; ok && len(inner) > 0 && inner[0] == '{' {
			return inner
		}
	}
	return data
}

func normalizeStarted(ev StreamEvent, data json.RawMessage) (StreamEvent, error) {
	var payload struct {
		TotalUnits         int   `json:"total_units"`
		Total              int   `json:"total"`
		DeclaredDurationMS int64 `json:"declared_duration_ms"`
		DurationMS         int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ev, fmt.Errorf("decoding started payload: %w", err)
	}
	ev.Kind = StreamStarted
	ev.TotalUnits = firstNonZero(payload.TotalUnits, payload.Total)
	ev.DeclaredDuration = time.Duration(firstNonZero64(payload.DeclaredDurationMS, payload.DurationMS)) * time.Millisecond
	return ev, nil
}

func normalizeProgress(ev StreamEvent, data json.RawMessage) (StreamEvent, error) {
	var payload struct {
		ScannedCount    int      `json:"scanned_count"`
		Scanned         int      `json:"scanned"`
		TotalCount      int      `json:"total_count"`
		Total           int      `json:"total"`
		PercentComplete *float64 `json:"percent_complete"`
		Percent         *float64 `json:"percent"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ev, fmt.Errorf("decoding progress payload: %w", err)
	}
	ev.Kind = StreamProgress
	ev.ScannedCount = firstNonZero(payload.ScannedCount, payload.Scanned)
	ev.TotalCount = firstNonZero(payload.TotalCount, payload.Total)
	if payload.PercentComplete != nil {
		ev.ReportedPercent = payload.PercentComplete
	} else if payload.Percent != nil {
		ev.ReportedPercent = payload.Percent
	}
	return ev, nil
}

func normalizeCompleted(ev StreamEvent, data json.RawMessage) (StreamEvent, error) {
	result, err := DecodeBatch(data)
	if err != nil {
		return ev, err
	}
	ev.Kind = StreamCompleted
	ev.Result = result
	return ev, nil
}

func normalizeFailed(ev StreamEvent, data json.RawMessage) (StreamEvent, error) {
	var payload struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		StatusCode int    `json:"status_code"`
		Status     int    `json:"status"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ev, fmt.Errorf("decoding failed payload: %w", err)
	}
	ev.Kind = StreamFailed
	ev.ErrorMessage = payload.Error
	if ev.ErrorMessage == "" {
		ev.ErrorMessage = payload.Message
	}
	ev.StatusCode = firstNonZero(payload.StatusCode, payload.Status)
	return ev, nil
}

// DecodeBatch decodes a final result payload. Both the push channel's
// completed event and the pull response use this shape; the record list may
// sit at the top level or under a "result" key.
func DecodeBatch(data json.RawMessage) (*BatchResult, error) {
	var payload struct {
		Result *struct {
			Records    []json.RawMessage `json:"records"`
			DurationMS int64             `json:"duration_ms"`
		} `json:"result"`
		Records    []json.RawMessage `json:"records"`
		DurationMS int64             `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding batch payload: %w", err)
	}

	raws := payload.Records
	durationMS := payload.DurationMS
	if payload.Result != nil {
		raws = payload.Result.Records
		durationMS = payload.Result.DurationMS
	}

	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := DecodeTagged(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return &BatchResult{
		Records:  records,
		Duration: time.Duration(durationMS) * time.Millisecond,
	}, nil
}

// EncodeTagged marshals a record with its "kind" tag injected, producing the
// shape DecodeTagged accepts.
func EncodeTagged(r Record) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", r.RecordKind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("re-reading %s record: %w", r.RecordKind(), err)
	}
	kind, _ := json.Marshal(r.RecordKind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// EncodeRecords tags and marshals a record list for API responses.
func EncodeRecords(records []Record) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		raw, err := EncodeTagged(r)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// DecodeTagged decodes one record object carrying a "kind" tag.
func DecodeTagged(raw json.RawMessage) (Record, error) {
	var tag struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("decoding record tag: %w", err)
	}
	switch tag.Kind {
	case KindHost:
		return decodeHost(raw)
	case KindMdnsService:
		return decodeMdnsService(raw)
	case KindUpnpDevice:
		return decodeUpnpDevice(raw)
	case KindWifiNetwork:
		return decodeWifiNetwork(raw)
	case KindOpenPort:
		return decodeOpenPort(raw)
	default:
		return nil, fmt.Errorf("unknown record kind %q", tag.Kind)
	}
}

// The wire structs below accept every field spelling observed from agent
// builds; the decode functions coalesce aliases with fixed precedence so
// the rest of the engine only ever sees canonical records.

func decodeHost(raw json.RawMessage) (Record, error) {
	var w struct {
		IPAddress string  `json:"ip_address"`
		IP        string  `json:"ip"`
		Address   string  `json:"address"`
		Hostname  string  `json:"hostname"`
		Name      string  `json:"name"`
		MAC       string  `json:"mac_address"`
		MACAlt    string  `json:"mac"`
		Vendor    string  `json:"vendor"`
		RTTMillis float64 `json:"rtt_ms"`
		LatencyMS float64 `json:"latency_ms"`
		TTL       int     `json:"ttl"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	rec := HostRecord{
		IPAddress:  firstNonEmpty(w.IPAddress, w.IP, w.Address),
		Hostname:   firstNonEmpty(w.Hostname, w.Name),
		MACAddress: firstNonEmpty(w.MAC, w.MACAlt),
		Vendor:     w.Vendor,
		RTTMillis:  w.RTTMillis,
		TTL:        w.TTL,
	}
	if rec.RTTMillis == 0 {
		rec.RTTMillis = w.LatencyMS
	}
	if rec.IPAddress == "" {
		return nil, fmt.Errorf("host record without ip address")
	}
	return rec, nil
}

func decodeMdnsService(raw json.RawMessage) (Record, error) {
	var w struct {
		ServiceName string            `json:"service_name"`
		Name        string            `json:"name"`
		ServiceType string            `json:"service_type"`
		Type        string            `json:"type"`
		Hostname    string            `json:"hostname"`
		Host        string            `json:"host"`
		IPAddresses []string          `json:"ip_addresses"`
		IPs         []string          `json:"ips"`
		Addresses   []string          `json:"addresses"`
		Port        int               `json:"port"`
		TXTRecords  map[string]string `json:"txt_records"`
		TXT         map[string]string `json:"txt"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	rec := MdnsServiceRecord{
		ServiceName: firstNonEmpty(w.ServiceName, w.Name),
		ServiceType: firstNonEmpty(w.ServiceType, w.Type),
		Hostname:    firstNonEmpty(w.Hostname, w.Host),
		Port:        w.Port,
		TXTRecords:  w.TXTRecords,
	}
	switch {
	case len(w.IPAddresses) > 0:
		rec.IPAddresses = w.IPAddresses
	case len(w.IPs) > 0:
		rec.IPAddresses = w.IPs
	default:
		rec.IPAddresses = w.Addresses
	}
	if rec.TXTRecords == nil {
		rec.TXTRecords = w.TXT
	}
	if rec.ServiceType == "" {
		return nil, fmt.Errorf("mdns record without service type")
	}
	return rec, nil
}

func decodeUpnpDevice(raw json.RawMessage) (Record, error) {
	var w struct {
		USN          string   `json:"usn"`
		FriendlyName string   `json:"friendly_name"`
		Name         string   `json:"name"`
		DeviceType   string   `json:"device_type"`
		Type         string   `json:"type"`
		Location     string   `json:"location"`
		Services     []string `json:"services"`
		SourceIP     string   `json:"source_ip"`
		SenderIP     string   `json:"sender_ip"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	rec := UpnpDeviceRecord{
		USN:          w.USN,
		FriendlyName: firstNonEmpty(w.FriendlyName, w.Name),
		DeviceType:   firstNonEmpty(w.DeviceType, w.Type),
		Location:     w.Location,
		Services:     w.Services,
		SourceIP:     firstNonEmpty(w.SourceIP, w.SenderIP),
	}
	if rec.USN == "" {
		return nil, fmt.Errorf("upnp record without usn")
	}
	return rec, nil
}

func decodeWifiNetwork(raw json.RawMessage) (Record, error) {
	var w struct {
		BSSID         string `json:"bssid"`
		SSID          string `json:"ssid"`
		SignalPercent int    `json:"signal_strength_percent"`
		Signal        int    `json:"signal"`
		SignalDbm     int    `json:"signal_dbm"`
		RSSI          int    `json:"rssi"`
		Band          string `json:"band"`
		SecurityType  string `json:"security_type"`
		Security      string `json:"security"`
		Channel       int    `json:"channel"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	rec := WifiNetworkRecord{
		BSSID:                 w.BSSID,
		SSID:                  w.SSID,
		SignalStrengthPercent: firstNonZero(w.SignalPercent, w.Signal),
		SignalDbm:             firstNonZero(w.SignalDbm, w.RSSI),
		Band:                  w.Band,
		SecurityType:          firstNonEmpty(w.SecurityType, w.Security),
		Channel:               w.Channel,
	}
	if rec.BSSID == "" && rec.SSID == "" {
		return nil, fmt.Errorf("wifi record without bssid or ssid")
	}
	return rec, nil
}

func decodeOpenPort(raw json.RawMessage) (Record, error) {
	var w struct {
		Port        int    `json:"port"`
		ServiceName string `json:"service_name"`
		Service     string `json:"service"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.Port <= 0 || w.Port > 65535 {
		return nil, fmt.Errorf("open port record with invalid port %d", w.Port)
	}
	return OpenPortRecord{
		Port:        w.Port,
		ServiceName: firstNonEmpty(w.ServiceName, w.Service),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZero64(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
