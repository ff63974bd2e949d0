package remote

import (
	"encoding/json"
	"sort"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

// NotificationType names the shape of a pushed message.
type NotificationType string

const (
	NotificationChanges      NotificationType = "changes"
	NotificationAlert        NotificationType = "alert"
	NotificationRevalidation NotificationType = "revalidation"
	NotificationSocket       NotificationType = "socket"
	NotificationPushAlert    NotificationType = "push_alert"
)

// Change reports a new generation of one row.
type Change struct {
	Schema string
	Table  string
	ID     int64
	GN     int64
}

// Notification is an unpacked server message. Only the field matching Type is set.
type Notification struct {
	Type         NotificationType
	Changes      []Change
	Alert        map[string]any
	Revalidation map[string]any
	Socket       string
	Push         *PushAlert
}

// PushAlert is the flattened alert shape delivered through mobile push.
type PushAlert struct {
	Address        string
	Schema         string
	NotificationID int64
	Fields         map[string]any
}

type changeSet struct {
	IDs []int64 `json:"ids"`
	GNs []int64 `json:"gns"`
}

// UnpackNotification decodes a pushed message. Unrecognised shapes yield nil.
func UnpackNotification(payload []byte) *Notification {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil
	}
	if raw, ok := envelope["changes"]; ok {
		return unpackChanges(raw)
	}
	if raw, ok := envelope["alert"]; ok {
		var alert map[string]any
		if json.Unmarshal(raw, &alert) != nil || alert == nil {
			return nil
		}
		return &Notification{Type: NotificationAlert, Alert: alert}
	}
	if raw, ok := envelope["revalidation"]; ok {
		var revalidation map[string]any
		if json.Unmarshal(raw, &revalidation) != nil {
			return nil
		}
		if revalidation == nil {
			revalidation = map[string]any{}
		}
		return &Notification{Type: NotificationRevalidation, Revalidation: revalidation}
	}
	if raw, ok := envelope["socket"]; ok {
		var token string
		if json.Unmarshal(raw, &token) != nil || token == "" {
			return nil
		}
		return &Notification{Type: NotificationSocket, Socket: token}
	}
	if _, ok := envelope["notification_id"]; ok {
		return unpackPushAlert(payload)
	}
	return nil
}

func unpackChanges(raw json.RawMessage) *Notification {
	var sets map[string]changeSet
	if err := json.Unmarshal(raw, &sets); err != nil {
		return nil
	}
	keys := make([]string, 0, len(sets))
	for key := range sets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	notification := &Notification{Type: NotificationChanges}
	for _, key := range keys {
		schema, table, ok := objects.ParseKey(key)
		if !ok {
			continue
		}
		set := sets[key]
		count := min(len(set.IDs), len(set.GNs))
		for index := 0; index < count; index++ {
			notification.Changes = append(notification.Changes, Change{
				Schema: schema,
				Table:  table,
				ID:     set.IDs[index],
				GN:     set.GNs[index],
			})
		}
	}
	return notification
}

func unpackPushAlert(payload []byte) *Notification {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	schema, _ := fields["schema"].(string)
	if schema == "" {
		return nil
	}
	id, ok := objects.ToInt64(fields["notification_id"])
	if !ok {
		return nil
	}
	address, _ := fields["address"].(string)
	delete(fields, "address")
	delete(fields, "schema")
	delete(fields, "notification_id")
	return &Notification{
		Type: NotificationPushAlert,
		Push: &PushAlert{Address: address, Schema: schema, NotificationID: id, Fields: fields},
	}
}
