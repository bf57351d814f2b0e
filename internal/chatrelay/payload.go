package chatrelay

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MessageItem is a resolved full message from a payload.
type MessageItem struct {
	PrimaryID     string
	CorrelationID string
	From          string
	To            string
	DisplayName   string
	Body          string
	Timestamp     time.Time
	Status        Status
}

// StatusItem is a resolved delivery-status event. ID may be the target
// message's primary id or its correlation id.
type StatusItem struct {
	ID        string
	Status    Status
	Timestamp time.Time
}

// ResolvedItem is the tagged union the resolver emits: exactly one of
// Message or Status is set.
type ResolvedItem struct {
	Message *MessageItem
	Status  *StatusItem
}

// ResolvePayload normalizes one raw payload of either known shape into a
// sequence of resolved items. The returned skip count covers items inside a
// structurally valid payload that were missing required fields; a payload
// that cannot be resolved at all yields a ParseError.
func ResolvePayload(source string, raw []byte) (items []ResolvedItem, skipped int, err error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, parseErrorf(source, "invalid json: %v", err)
	}
	if err := validatePayload(instance); err != nil {
		return nil, 0, parseErrorf(source, "unrecognized payload shape: %v", err)
	}
	root, ok := instance.(map[string]any)
	if !ok {
		return nil, 0, parseErrorf(source, "top level is not an object")
	}

	if rawEntries, present := root["entry"]; present {
		entries, ok := rawEntries.([]any)
		if !ok {
			return nil, 0, parseErrorf(source, "entry is not an array")
		}
		for _, rawEntry := range entries {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				skipped++
				continue
			}
			for _, rawChange := range asSlice(entry["changes"]) {
				change, ok := rawChange.(map[string]any)
				if !ok {
					skipped++
					continue
				}
				resolved, skippedHere := resolveValue(asMap(change["value"]))
				items = append(items, resolved...)
				skipped += skippedHere
			}
		}
		return items, skipped, nil
	}

	resolved, skippedHere := resolveValue(root)
	return resolved, skipped + skippedHere, nil
}

// resolveValue handles the {messages[], statuses[], contacts[]} block shared
// by both payload shapes.
func resolveValue(value map[string]any) (items []ResolvedItem, skipped int) {
	if value == nil {
		return nil, 1
	}
	displayNames := contactNames(value)

	for _, rawMessage := range asSlice(value["messages"]) {
		message, ok := rawMessage.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		item := MessageItem{
			PrimaryID:     asString(message["id"]),
			CorrelationID: asString(asMap(message["context"])["id"]),
			From:          asString(message["from"]),
			To:            asString(message["to"]),
			Body:          asString(asMap(message["text"])["body"]),
			Timestamp:     parseTimestamp(message["timestamp"]),
		}
		if status := Status(asString(message["status"])); ValidStatus(status) {
			item.Status = status
		}
		if item.PrimaryID == "" || item.From == "" {
			skipped++
			continue
		}
		item.DisplayName = displayNames[item.From]
		items = append(items, ResolvedItem{Message: &item})
	}

	for _, rawStatus := range asSlice(value["statuses"]) {
		status, ok := rawStatus.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		item := StatusItem{
			ID:        asString(status["id"]),
			Status:    Status(asString(status["status"])),
			Timestamp: parseTimestamp(status["timestamp"]),
		}
		if item.ID == "" || !ValidStatus(item.Status) {
			skipped++
			continue
		}
		items = append(items, ResolvedItem{Status: &item})
	}
	return items, skipped
}

// contactNames maps counterparty ids to display names from the value-level
// contacts block, when present.
func contactNames(value map[string]any) map[string]string {
	names := map[string]string{}
	for _, rawContact := range asSlice(value["contacts"]) {
		contact, ok := rawContact.(map[string]any)
		if !ok {
			continue
		}
		id := asString(contact["wa_id"])
		if id == "" {
			id = asString(contact["id"])
		}
		name := asString(asMap(contact["profile"])["name"])
		if id != "" && name != "" {
			names[id] = name
		}
	}
	return names
}

// parseTimestamp accepts unix seconds (string or number) or RFC3339.
// Unresolvable timestamps yield the zero time; the normalizer substitutes
// the current time.
func parseTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case string:
		trimmed := strings.TrimSpace(ts)
		if trimmed == "" {
			return time.Time{}
		}
		if seconds, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return time.Unix(seconds, 0).UTC()
		}
		if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return parsed.UTC()
		}
		return time.Time{}
	case json.Number:
		if seconds, err := ts.Int64(); err == nil {
			return time.Unix(seconds, 0).UTC()
		}
		return time.Time{}
	case float64:
		return time.Unix(int64(ts), 0).UTC()
	default:
		return time.Time{}
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
