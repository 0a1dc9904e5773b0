package runninghub

import (
	"bytes"
	"encoding/json"
)

const (
	runPath     = "/task/openapi/ai-app/run"
	statusPath  = "/task/openapi/status"
	outputsPath = "/task/openapi/outputs"

	// queueMaxedMsg is returned by the service when its own queue is full.
	queueMaxedMsg = "TASK_QUEUE_MAXED"
)

// envelope wraps every OpenAPI response.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type nodeInfo struct {
	NodeID     string `json:"nodeId"`
	FieldName  string `json:"fieldName"`
	FieldValue string `json:"fieldValue"`
}

type runRequest struct {
	WebappID     string     `json:"webappId"`
	APIKey       string     `json:"apiKey"`
	NodeInfoList []nodeInfo `json:"nodeInfoList"`
}

type runData struct {
	TaskID     string `json:"taskId"`
	TaskStatus string `json:"taskStatus"`
}

type taskRequest struct {
	APIKey string `json:"apiKey"`
	TaskID string `json:"taskId"`
}

// statusData accepts both {"data":"RUNNING"} and {"data":{"taskStatus":"RUNNING"}}.
type statusData struct {
	TaskStatus string
}

func (s *statusData) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &s.TaskStatus)
	}
	var obj struct {
		TaskStatus string `json:"taskStatus"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	s.TaskStatus = obj.TaskStatus
	return nil
}

type output struct {
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
	NodeID   string `json:"nodeId"`
}
