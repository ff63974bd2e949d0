package remote

import "testing"

func TestUnpackNotification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    NotificationType
	}{
		{name: "changes", payload: `{"changes":{"global.user":{"ids":[1,2],"gns":[4,5]}}}`, want: NotificationChanges},
		{name: "alert", payload: `{"alert":{"title":"Hello","story_id":4}}`, want: NotificationAlert},
		{name: "revalidation", payload: `{"revalidation":{"schema":"alpha"}}`, want: NotificationRevalidation},
		{name: "socket", payload: `{"socket":"4b1f"}`, want: NotificationSocket},
		{name: "push-alert", payload: `{"address":"https://x","schema":"alpha","notification_id":9,"type":"like"}`, want: NotificationPushAlert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notification := UnpackNotification([]byte(tt.payload))
			if notification == nil {
				t.Fatalf("expected %s notification, got nil", tt.want)
			}
			if notification.Type != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, notification.Type)
			}
		})
	}
}

func TestUnpackChangesPairsIDsWithGNs(t *testing.T) {
	notification := UnpackNotification([]byte(`{"changes":{"global.user":{"ids":[1,2,3],"gns":[4,5]},"bad":{"ids":[1],"gns":[1]}}}`))
	if notification == nil {
		t.Fatal("expected changes notification")
	}
	if len(notification.Changes) != 2 {
		t.Fatalf("expected two aligned changes, got %v", notification.Changes)
	}
	second := notification.Changes[1]
	if second.Schema != "global" || second.Table != "user" || second.ID != 2 || second.GN != 5 {
		t.Fatalf("unexpected change %+v", second)
	}
}

func TestUnpackPushAlertFields(t *testing.T) {
	notification := UnpackNotification([]byte(`{"address":"https://x","schema":"alpha","notification_id":9,"type":"like"}`))
	push := notification.Push
	if push.Address != "https://x" || push.Schema != "alpha" || push.NotificationID != 9 {
		t.Fatalf("unexpected push alert %+v", push)
	}
	if push.Fields["type"] != "like" || len(push.Fields) != 1 {
		t.Fatalf("unexpected extra fields %v", push.Fields)
	}
}

func TestUnpackUnknownShapesReturnNil(t *testing.T) {
	for _, payload := range []string{
		``,
		`[]`,
		`"changes"`,
		`{"weather":"sunny"}`,
		`{"changes":[1,2]}`,
		`{"socket":42}`,
		`{"notification_id":3}`,
	} {
		if notification := UnpackNotification([]byte(payload)); notification != nil {
			t.Fatalf("expected nil for %q, got %+v", payload, notification)
		}
	}
}
