// Package job defines the job descriptor consumed by the invoker and
// the payload shipped to the compute backend for each call.
package job

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ByteRange is a [start, end] byte range into the job's input data
// object, serialized as a two-element JSON array.
type ByteRange [2]int64

// Job describes one submitted job: N independent call instances
// sharing serialized code and partitioned data. Immutable once handed
// to the invoker.
type Job struct {
	ExecutorID string
	JobID      string
	FuncName   string

	TotalCalls         int
	OriginalTotalCalls int
	RemoteInvocation   bool

	FuncKey    string
	DataKey    string
	DataRanges []ByteRange

	RuntimeName      string
	RuntimeMemory    int
	ExecutionTimeout int
	ExtraEnv         map[string]string
	Metadata         map[string]interface{}

	InvokePoolThreads int
}

// CallID renders a call index in the canonical zero-padded 5-digit
// form, e.g. 42 -> "00042". The string form participates in object
// store key construction and must not change.
func CallID(i int) string {
	return fmt.Sprintf("%05d", i)
}

// NewExecutorID mints an opaque executor identifier.
func NewExecutorID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Payload is the JSON document posted to the compute backend for one
// call. The key set is a wire contract with the runtime.
type Payload struct {
	Config           map[string]interface{} `json:"config"`
	LogLevel         string                 `json:"log_level"`
	FuncKey          string                 `json:"func_key"`
	DataKey          string                 `json:"data_key"`
	OutputKey        string                 `json:"output_key"`
	StatusKey        string                 `json:"status_key"`
	ExtraEnv         map[string]string      `json:"extra_env"`
	ExecutionTimeout int                    `json:"execution_timeout"`
	DataByteRange    ByteRange              `json:"data_byte_range"`
	ExecutorID       string                 `json:"executor_id"`
	JobID            string                 `json:"job_id"`
	CallID           string                 `json:"call_id"`
	HostSubmitTime   float64                `json:"host_submit_time"`
	PywrenVersion    string                 `json:"pywren_version"`
}
