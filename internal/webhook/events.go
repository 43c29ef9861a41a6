package webhook

import (
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/bridgewayai/b24bridge/internal/dispatch"
)

// Event names the portal delivers.
const (
	eventMessageAdd    = "ONIMMESSAGEADD"
	eventBotMessageAdd = "ONIMBOTMESSAGEADD"
	eventCommandAdd    = "ONIMCOMMANDADD"
	eventBotDelete     = "ONIMBOTDELETE"
)

// EventType is the normalized event family.
type EventType string

const (
	EventMessage    EventType = "message"
	EventCommand    EventType = "command"
	EventBotDeleted EventType = "bot_deleted"
	EventOther      EventType = "other"
)

// ErrInvalidPayload marks a structurally invalid webhook body.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// fileRefThreshold is the lower bound for treating a bare numeric PARAMS
// value as a file reference id. Heuristic over an inconsistent upstream
// payload shape, not a guarantee.
const fileRefThreshold = 100000

// Event is the parsed webhook envelope.
type Event struct {
	Type EventType
	Name string
	Data map[string]any
}

// Normalize validates the event/data envelope and classifies the family.
func Normalize(payload map[string]any) (Event, error) {
	name := strings.ToUpper(strings.TrimSpace(stringField(payload, "event")))
	if name == "" {
		return Event{}, ErrInvalidPayload
	}
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return Event{}, ErrInvalidPayload
	}
	ev := Event{Name: name, Data: data}
	switch name {
	case eventMessageAdd, eventBotMessageAdd:
		ev.Type = EventMessage
	case eventCommandAdd:
		ev.Type = EventCommand
	case eventBotDelete:
		ev.Type = EventBotDeleted
	default:
		ev.Type = EventOther
	}
	return ev, nil
}

// Message is the normalized inbound message record.
type Message struct {
	MessageID string
	DialogID  string
	AuthorID  string
	Text      string
	ChatType  string
	FileIDs   []int64
	BotIDs    []string
}

// parseMessage pulls the message fields out of the loosely typed data map.
// Every field is optional until validated downstream.
func parseMessage(data map[string]any, log *slog.Logger) Message {
	if log == nil {
		log = slog.Default()
	}
	params, _ := data["PARAMS"].(map[string]any)
	msg := Message{
		MessageID: stringField(params, "MESSAGE_ID"),
		DialogID:  stringField(params, "DIALOG_ID"),
		AuthorID:  stringField(params, "FROM_USER_ID"),
		Text:      strings.TrimSpace(stringField(params, "MESSAGE")),
		BotIDs:    botIDs(data),
	}
	if msg.DialogID == "" {
		msg.DialogID = msg.AuthorID
	}
	msg.ChatType = dispatch.ChatDirect
	if stringField(params, "MESSAGE_TYPE") == "C" || strings.HasPrefix(msg.DialogID, "chat") {
		msg.ChatType = dispatch.ChatGroup
	}
	msg.FileIDs = fileIDs(params)
	if len(msg.FileIDs) == 0 && msg.Text == "" {
		// some client versions send a bare file id instead of FILES
		if raw := stringField(data, "PARAMS"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id >= fileRefThreshold {
				log.Info("treating bare numeric PARAMS as file reference", slog.Int64("id", id))
				msg.FileIDs = []int64{id}
			}
		}
	}
	return msg
}

// Command is a normalized command invocation.
type Command struct {
	Message
	Command   string
	CommandID int64
	Params    string
}

// parseCommand resolves the {command, commandId, params} triple alongside
// the base message fields. The COMMAND block arrives as a map keyed by
// command id or as a list; the first entry wins.
func parseCommand(data map[string]any, log *slog.Logger) Command {
	cmd := Command{Message: parseMessage(data, log)}
	entry := firstEntry(data["COMMAND"])
	if entry == nil {
		return cmd
	}
	cmd.Command = strings.TrimSpace(stringField(entry, "COMMAND"))
	cmd.Params = stringField(entry, "COMMAND_PARAMS")
	if id, err := strconv.ParseInt(stringField(entry, "COMMAND_ID"), 10, 64); err == nil {
		cmd.CommandID = id
	}
	if cmd.MessageID == "" {
		cmd.MessageID = stringField(entry, "MESSAGE_ID")
	}
	return cmd
}

// fileIDs reads the FILES block, which arrives either as a map keyed by
// file id or as a list of file descriptors.
func fileIDs(params map[string]any) []int64 {
	var ids []int64
	appendID := func(entry map[string]any, fallbackKey string) {
		raw := stringField(entry, "id")
		if raw == "" {
			raw = stringField(entry, "ID")
		}
		if raw == "" {
			raw = fallbackKey
		}
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	switch files := params["FILES"].(type) {
	case map[string]any:
		keys := make([]string, 0, len(files))
		for key := range files {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			entry, _ := files[key].(map[string]any)
			appendID(entry, key)
		}
	case []any:
		for _, item := range files {
			entry, _ := item.(map[string]any)
			appendID(entry, "")
		}
	}
	return ids
}

// botIDs collects the bot identifiers embedded in the event, used for
// loop prevention.
func botIDs(data map[string]any) []string {
	var ids []string
	seen := map[string]bool{}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	switch bots := data["BOT"].(type) {
	case map[string]any:
		for key, value := range bots {
			if entry, ok := value.(map[string]any); ok {
				add(stringField(entry, "BOT_ID"))
			}
			if _, err := strconv.Atoi(key); err == nil {
				add(key)
			}
		}
	case []any:
		for _, item := range bots {
			if entry, ok := item.(map[string]any); ok {
				add(stringField(entry, "BOT_ID"))
			}
		}
	}
	return ids
}

func firstEntry(value any) map[string]any {
	switch block := value.(type) {
	case map[string]any:
		// nested map keyed by id, or the entry itself
		if stringField(block, "COMMAND") != "" || stringField(block, "COMMAND_ID") != "" {
			return block
		}
		keys := make([]string, 0, len(block))
		for key := range block {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if entry, ok := block[key].(map[string]any); ok {
				return entry
			}
		}
	case []any:
		for _, item := range block {
			if entry, ok := item.(map[string]any); ok {
				return entry
			}
		}
	}
	return nil
}

// stringField tolerantly reads a scalar as a string.
func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return ""
	}
}
