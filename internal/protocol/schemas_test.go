package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tomo.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var doc any
		_ = json.Unmarshal(b, &doc)
		if err := s.Validate(doc); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	hex := strings.Repeat("ab", 32)
	item := uint8(3)

	validate(compile("welcome.schema.json"), protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       "S1",
		Identity:        hex,
		ProgramID:       hex,
		Venues:          []string{"primary", "aux"},
	})
	validate(compile("result.schema.json"), protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ID:              "1",
		OK:              true,
		Venue:           "aux",
		Slot:            12,
		Logs:            []string{"used item 3 from slot 0"},
		Item:            &item,
	})
	validate(compile("result.schema.json"), protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ID:              "2",
		Code:            protocol.ErrNoResource,
		Message:         "not enough coins to feed",
	})
	validate(compile("record.schema.json"), protocol.RecordMsg{
		Type:            protocol.TypeRecord,
		ProtocolVersion: protocol.Version,
		ID:              "3",
		OK:              true,
		Delegated:       true,
		Venue:           "aux",
		Record: &protocol.CreatureView{
			Address:   hex,
			Owner:     hex,
			UID:       "alice",
			Hunger:    70,
			LastFed:   1700000000,
			Inventory: []int{3, 0, 0, 0, 0, 0, 0, 0},
		},
	})
}

func TestValidator_InboundMessages(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	hex := strings.Repeat("0f", 32)
	ok := []string{
		`{"type":"HELLO","protocol_version":"1.0","identity":"` + hex + `"}`,
		`{"type":"OP","protocol_version":"1.0","id":"1","op":"init","uid":"alice"}`,
		`{"type":"OP","protocol_version":"1.0","id":"2","op":"start_random_events","uid":"alice","task_id":1,"interval_ms":500,"iterations":3}`,
		`{"type":"GET","protocol_version":"1.0","id":"3","uid":"alice"}`,
	}
	for _, raw := range ok {
		if _, err := v.Validate([]byte(raw)); err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
	}
	bad := []string{
		`{"type":"HELLO","protocol_version":"1.0","identity":"xyz"}`,
		`{"type":"OP","protocol_version":"1.0","id":"1","op":"consume_randomness","uid":"alice"}`,
		`{"type":"OP","protocol_version":"1.0","id":"1","op":"process_undelegation","uid":"alice"}`,
		`{"type":"OP","protocol_version":"1.0","id":"1","op":"use_item","uid":"alice","index":300}`,
		`{"type":"OP","protocol_version":"1.0","id":"1","op":"feed","uid":"` + strings.Repeat("u", 33) + `"}`,
		`{"type":"GET","protocol_version":"1.0","id":"1"}`,
		`{"type":"WELCOME","protocol_version":"1.0"}`,
		`not json`,
	}
	for _, raw := range bad {
		if _, err := v.Validate([]byte(raw)); err == nil {
			t.Fatalf("expected rejection: %s", raw)
		}
	}
}
