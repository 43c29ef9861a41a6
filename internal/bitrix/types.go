// Package bitrix implements a rate-limited client for the Bitrix24 REST
// API. Calls are plain HTTP POSTs with parameters serialized as a query
// string; responses carry either a result field or an error/error_description
// pair.
package bitrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrAPI is the sentinel wrapped by every error response from the portal.
var ErrAPI = errors.New("bitrix api error")

// APIError is an error/error_description pair returned by the portal.
type APIError struct {
	Method      string
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Method, e.Description, e.Code)
}

func (e *APIError) Unwrap() error {
	return ErrAPI
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// FileInfo is the metadata subset of a disk.file.get result this connector
// cares about. The portal serializes numbers inconsistently across versions,
// so numeric fields are decoded tolerantly.
type FileInfo struct {
	ID          int64
	Name        string
	Size        int64
	DownloadURL string
	PreviewURL  string
}

func (f *FileInfo) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.ID = flexInt(raw["ID"])
	f.Name = flexString(raw["NAME"])
	f.Size = flexInt(raw["SIZE"])
	f.DownloadURL = flexString(raw["DOWNLOAD_URL"])
	f.PreviewURL = flexString(raw["PREVIEW_URL"])
	return nil
}

// Command is one registered bot command as reported by the portal's command
// list. HIDDEN uses the portal's Y/N string convention.
type Command struct {
	ID      int64
	Command string
	Hidden  bool
	Common  bool
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = flexInt(raw["ID"])
	c.Command = flexString(raw["COMMAND"])
	c.Hidden = flexYN(raw["HIDDEN"])
	c.Common = flexYN(raw["COMMON"])
	return nil
}

// User is the subset of a user.get result used for sender display names.
type User struct {
	ID       int64
	Name     string
	LastName string
}

func (u *User) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = flexInt(raw["ID"])
	u.Name = flexString(raw["NAME"])
	u.LastName = flexString(raw["LAST_NAME"])
	return nil
}

func flexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func flexInt(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		value, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return value
	}
	return 0
}

func flexYN(raw json.RawMessage) bool {
	value := strings.ToUpper(strings.TrimSpace(flexString(raw)))
	return value == "Y" || value == "TRUE" || value == "1"
}
