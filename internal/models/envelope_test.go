package models

import (
	"encoding/json"
	"testing"
)

func TestDestination_BareHandle(t *testing.T) {
	var e Envelope
	raw := `{"src":{"handle":"BraveOtter#00001","deviceID":"dev1"},"dst":"CleverHeron#00002","payload":"cGF5bG9hZA=="}`
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Dst.Explicit {
		t.Error("bare handle parsed as explicit address")
	}
	if e.Dst.Handle != "CleverHeron#00002" {
		t.Errorf("dst handle = %q", e.Dst.Handle)
	}
	if !e.Valid() {
		t.Error("expected envelope to be valid")
	}

	out, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round Envelope
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if round.Dst != e.Dst {
		t.Errorf("round trip dst = %+v; want %+v", round.Dst, e.Dst)
	}
}

func TestDestination_ExplicitAddress(t *testing.T) {
	var e Envelope
	raw := `{"src":{"handle":"BraveOtter#00001","deviceID":"dev1"},"dst":{"handle":"CleverHeron#00002","deviceID":"dev9"},"payload":""}`
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !e.Dst.Explicit || e.Dst.DeviceID != "dev9" {
		t.Errorf("dst = %+v; want explicit dev9", e.Dst)
	}
	if !e.Valid() {
		t.Error("expected envelope to be valid")
	}
}

func TestEnvelope_Valid(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want bool
	}{
		{
			"missing src device",
			Envelope{Src: Address{Handle: "A#00001"}, Dst: Destination{Handle: "B#00002"}},
			false,
		},
		{
			"missing dst handle",
			Envelope{Src: Address{Handle: "A#00001", DeviceID: "d"}},
			false,
		},
		{
			"explicit dst without device",
			Envelope{Src: Address{Handle: "A#00001", DeviceID: "d"}, Dst: Destination{Handle: "B#00002", Explicit: true}},
			false,
		},
		{
			"complete",
			Envelope{Src: Address{Handle: "A#00001", DeviceID: "d"}, Dst: Destination{Handle: "B#00002"}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.Valid(); got != tt.want {
				t.Errorf("Valid() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestDestination_RejectsGarbage(t *testing.T) {
	var d Destination
	if err := json.Unmarshal([]byte(`42`), &d); err == nil {
		t.Error("expected error for numeric destination")
	}
}
