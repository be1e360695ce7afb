package job

import (
	"encoding/json"
	"testing"
)

func TestCallID_Format(t *testing.T) {
	cases := map[int]string{
		0:     "00000",
		1:     "00001",
		42:    "00042",
		999:   "00999",
		99999: "99999",
	}
	for i, want := range cases {
		if got := CallID(i); got != want {
			t.Errorf("CallID(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestPayload_WireKeys(t *testing.T) {
	p := Payload{
		Config:           map[string]interface{}{"pywren": map[string]interface{}{"workers": 10}},
		LogLevel:         "debug",
		FuncKey:          "f",
		DataKey:          "d",
		OutputKey:        "o",
		StatusKey:        "s",
		ExtraEnv:         map[string]string{"A": "B"},
		ExecutionTimeout: 600,
		DataByteRange:    ByteRange{0, 1023},
		ExecutorID:       "eid",
		JobID:            "A001",
		CallID:           "00007",
		HostSubmitTime:   1234.5,
		PywrenVersion:    "1.5.2",
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	want := []string{
		"config", "log_level", "func_key", "data_key", "output_key",
		"status_key", "extra_env", "execution_timeout", "data_byte_range",
		"executor_id", "job_id", "call_id", "host_submit_time", "pywren_version",
	}
	for _, key := range want {
		if _, ok := decoded[key]; !ok {
			t.Errorf("payload is missing wire key %q", key)
		}
	}
	if len(decoded) != len(want) {
		t.Errorf("payload has %d keys, want %d", len(decoded), len(want))
	}

	if string(decoded["data_byte_range"]) != "[0,1023]" {
		t.Errorf("data_byte_range serialized as %s, want [0,1023]", decoded["data_byte_range"])
	}
}

func TestNewExecutorID_Distinct(t *testing.T) {
	a, b := NewExecutorID(), NewExecutorID()
	if a == "" || b == "" {
		t.Fatal("executor id must not be empty")
	}
	if a == b {
		t.Errorf("executor ids should be distinct, both %q", a)
	}
}
