package storage

import "fmt"

// Object names under the per-call directory. The runtime writes them;
// the client reads them. Both sides must agree byte for byte.
const (
	outputName = "output.pickle"
	statusName = "status.json"
)

// CreateOutputKey builds the object key the runtime writes the call's
// serialized result to: {prefix}/{executorID}/{jobID}/{callID}/output.pickle
func CreateOutputKey(prefix, executorID, jobID, callID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", prefix, executorID, jobID, callID, outputName)
}

// CreateStatusKey builds the object key the runtime writes the call's
// status record to: {prefix}/{executorID}/{jobID}/{callID}/status.json
func CreateStatusKey(prefix, executorID, jobID, callID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", prefix, executorID, jobID, callID, statusName)
}

// JobPrefix is the key prefix every object of a job lives under.
func JobPrefix(prefix, executorID, jobID string) string {
	return fmt.Sprintf("%s/%s/%s/", prefix, executorID, jobID)
}
