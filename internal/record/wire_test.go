package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, eventType, sessionID, data string) Envelope {
	t.Helper()
	return Envelope{
		Type:      eventType,
		SessionID: sessionID,
		Data:      json.RawMessage(data),
	}
}

func TestNormalizeFoundEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		data      string
		wantKey   string
		wantKind  Kind
	}{
		{
			"bare host payload",
			"host_found",
			`{"ip_address":"192.168.1.10","hostname":"printer"}`,
			"192.168.1.10",
			KindHost,
		},
		{
			"dotted alias with ip alias field",
			"scan.host_found",
			`{"ip":"192.168.1.11"}`,
			"192.168.1.11",
			KindHost,
		},
		{
			"wrapped host payload",
			"host_found",
			`{"host":{"address":"192.168.1.12"}}`,
			"192.168.1.12",
			KindHost,
		},
		{
			"mdns service under wrapper",
			"discovery.mdns_found",
			`{"service":{"name":"NAS","type":"_smb._tcp","host":"Nas.Local"}}`,
			"nas.local|_smb._tcp",
			KindMdnsService,
		},
		{
			"upnp device with sender ip alias",
			"upnp_device_found",
			`{"device":{"usn":"uuid:tv-1","name":"TV","sender_ip":"192.168.1.50"}}`,
			"uuid:tv-1",
			KindUpnpDevice,
		},
		{
			"wifi network with rssi alias",
			"wifi.network_found",
			`{"network":{"bssid":"aa:bb:cc:dd:ee:ff","ssid":"Home","rssi":-55}}`,
			"AA:BB:CC:DD:EE:FF",
			KindWifiNetwork,
		},
		{
			"open port with service alias",
			"scan.port_found",
			`{"port":{"port":443,"service":"https"}}`,
			"443",
			KindOpenPort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(envelope(t, tt.eventType, "s-1", tt.data))
			require.NoError(t, err)
			assert.Equal(t, StreamFound, ev.Kind)
			assert.Equal(t, "s-1", ev.SessionID)
			require.NotNil(t, ev.Record)
			assert.Equal(t, tt.wantKind, ev.Record.RecordKind())
			assert.Equal(t, tt.wantKey, ev.Record.Key())
		})
	}
}

func TestNormalizeFieldAliasPrecedence(t *testing.T) {
	// Canonical spelling wins over its aliases when both are present.
	ev, err := Normalize(envelope(t, "host_found",
		"s-1", `{"ip_address":"10.0.0.1","ip":"10.0.0.2"}`))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ev.Record.Key())
}

func TestNormalizeStarted(t *testing.T) {
	tests := []struct {
		name         string
		data         string
		wantUnits    int
		wantDuration time.Duration
	}{
		{"canonical fields", `{"total_units":256,"declared_duration_ms":0}`, 256, 0},
		{"alias fields", `{"total":64,"duration_ms":10000}`, 64, 10 * time.Second},
		{"empty payload", `{}`, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(envelope(t, "scan.started", "s-1", tt.data))
			require.NoError(t, err)
			assert.Equal(t, StreamStarted, ev.Kind)
			assert.Equal(t, tt.wantUnits, ev.TotalUnits)
			assert.Equal(t, tt.wantDuration, ev.DeclaredDuration)
		})
	}
}

func TestNormalizeProgress(t *testing.T) {
	ev, err := Normalize(envelope(t, "progress", "s-1",
		`{"scanned":32,"total":64,"percent":50.0}`))
	require.NoError(t, err)
	assert.Equal(t, StreamProgress, ev.Kind)
	assert.Equal(t, 32, ev.ScannedCount)
	assert.Equal(t, 64, ev.TotalCount)
	require.NotNil(t, ev.ReportedPercent)
	assert.InDelta(t, 50.0, *ev.ReportedPercent, 0.001)
}

func TestNormalizeProgressWithoutPercent(t *testing.T) {
	ev, err := Normalize(envelope(t, "scan.progress", "s-1",
		`{"scanned_count":10,"total_count":40}`))
	require.NoError(t, err)
	assert.Nil(t, ev.ReportedPercent)
}

func TestNormalizeCompleted(t *testing.T) {
	data := `{"result":{"records":[
		{"kind":"host","ip_address":"192.168.1.1"},
		{"kind":"open_port","port":22,"service_name":"ssh"}
	],"duration_ms":2500}}`

	ev, err := Normalize(envelope(t, "completed", "s-1", data))
	require.NoError(t, err)
	assert.Equal(t, StreamCompleted, ev.Kind)
	require.NotNil(t, ev.Result)
	require.Len(t, ev.Result.Records, 2)
	assert.Equal(t, 2500*time.Millisecond, ev.Result.Duration)
	assert.Equal(t, KindHost, ev.Result.Records[0].RecordKind())
	assert.Equal(t, KindOpenPort, ev.Result.Records[1].RecordKind())
}

func TestNormalizeCompletedTopLevelRecords(t *testing.T) {
	data := `{"records":[{"kind":"wifi_network","ssid":"Home","channel":6}],"duration_ms":800}`
	ev, err := Normalize(envelope(t, "scan.completed", "s-1", data))
	require.NoError(t, err)
	require.Len(t, ev.Result.Records, 1)
}

func TestNormalizeFailed(t *testing.T) {
	tests := []struct {
		name        string
		eventType   string
		data        string
		wantMessage string
		wantStatus  int
	}{
		{"error field", "failed", `{"error":"agent busy","status_code":429}`, "agent busy", 429},
		{"message alias", "scan.error", `{"message":"probe crashed","status":500}`, "probe crashed", 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(envelope(t, tt.eventType, "s-1", tt.data))
			require.NoError(t, err)
			assert.Equal(t, StreamFailed, ev.Kind)
			assert.Equal(t, tt.wantMessage, ev.ErrorMessage)
			assert.Equal(t, tt.wantStatus, ev.StatusCode)
		})
	}
}

func TestNormalizeUnknownType(t *testing.T) {
	_, err := Normalize(envelope(t, "telemetry.cpu", "s-1", `{}`))
	require.Error(t, err)
	var unknown *ErrUnknownEventType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "telemetry.cpu", unknown.Type)
}

func TestNormalizeRejectsRecordsMissingIdentity(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		data      string
	}{
		{"host without ip", "host_found", `{"hostname":"ghost"}`},
		{"mdns without type", "mdns_service_found", `{"name":"NAS"}`},
		{"upnp without usn", "upnp_device_found", `{"name":"TV"}`},
		{"port out of range", "open_port_found", `{"port":70000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(envelope(t, tt.eventType, "s-1", tt.data))
			assert.Error(t, err)
		})
	}
}

func TestDecodeBatchRejectsUnknownKind(t *testing.T) {
	_, err := DecodeBatch(json.RawMessage(`{"records":[{"kind":"quantum"}]}`))
	assert.Error(t, err)
}

func TestEncodeTaggedRoundTrip(t *testing.T) {
	records := []Record{
		HostRecord{IPAddress: "192.168.1.1", Hostname: "router", RTTMillis: 1.5},
		MdnsServiceRecord{ServiceName: "NAS", ServiceType: "_smb._tcp", Hostname: "nas.local", Port: 445},
		UpnpDeviceRecord{USN: "uuid:tv-1", FriendlyName: "TV", SourceIP: "192.168.1.50"},
		WifiNetworkRecord{BSSID: "aa:bb:cc:dd:ee:ff", SSID: "Home", Channel: 6},
		OpenPortRecord{Port: 22, ServiceName: "ssh"},
	}

	for _, original := range records {
		raw, err := EncodeTagged(original)
		require.NoError(t, err)

		decoded, err := DecodeTagged(raw)
		require.NoError(t, err)
		assert.Equal(t, original.RecordKind(), decoded.RecordKind())
		assert.Equal(t, original.Key(), decoded.Key())
	}
}
