package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestNewAssigneeRef(t *testing.T) {
	tests := []struct {
		name     string
		role     *int64
		user     *int64
		dept     *int64
		field    *string
		wantKind AssigneeKind
		wantErr  bool
	}{
		{name: "role only", role: ptr(int64(3)), wantKind: AssigneeRole},
		{name: "user only", user: ptr(int64(9)), wantKind: AssigneeUser},
		{name: "department only", dept: ptr(int64(2)), wantKind: AssigneeDepartment},
		{name: "form field only", field: ptr("approver"), wantKind: AssigneeFormField},
		{name: "blank field ignored", role: ptr(int64(1)), field: ptr("  "), wantKind: AssigneeRole},
		{name: "none", wantErr: true},
		{name: "role and user", role: ptr(int64(1)), user: ptr(int64(2)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := NewAssigneeRef(tt.role, tt.user, tt.dept, tt.field)
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, ref.Valid())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ref.Kind())

			r, u, d, f := ref.Columns()
			roundTrip, err := NewAssigneeRef(r, u, d, f)
			require.NoError(t, err)
			assert.Equal(t, ref, roundTrip)
		})
	}
}

func TestUserAddressFor(t *testing.T) {
	u := &User{ID: 17, Email: "ann@example.com", Phone: "+15550100"}

	assert.Equal(t, "ann@example.com", u.AddressFor("email"))
	assert.Equal(t, "+15550100", u.AddressFor(ChannelSMS))
	assert.Equal(t, "17", u.AddressFor(ChannelInApp))
	assert.Equal(t, "17", u.AddressFor(ChannelPush))

	u.PushEndpoint = "arn:aws:sns:eu-west-1:1:endpoint/APNS/app/abc"
	assert.Equal(t, u.PushEndpoint, u.AddressFor(ChannelPush))
}

func TestNotificationDeliverable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&Notification{IsActive: true}).Deliverable(now))
	assert.False(t, (&Notification{IsActive: false}).Deliverable(now))
	assert.False(t, (&Notification{IsActive: true, ExpiryDate: &past}).Deliverable(now))
	assert.True(t, (&Notification{IsActive: true, ExpiryDate: &future}).Deliverable(now))

	assert.False(t, (&Notification{ScheduledDate: &future}).Due(now))
	assert.True(t, (&Notification{ScheduledDate: &past}).Due(now))
}

func TestParsePriorityAndChannel(t *testing.T) {
	assert.Equal(t, PriorityUrgent, ParsePriority("urgent"))
	assert.Equal(t, PriorityNormal, ParsePriority("whatever"))
	assert.Equal(t, ChannelInApp, CanonicalChannel("inapp"))
	assert.Equal(t, "Fax", CanonicalChannel(" Fax "))
}

func TestChannelRetryDelay(t *testing.T) {
	ch := &Channel{RetryDelayMinutes: 5}
	assert.Equal(t, 5*time.Minute, ch.RetryDelay(1))
	assert.Equal(t, 15*time.Minute, ch.RetryDelay(3))
	assert.Equal(t, 5*time.Minute, ch.RetryDelay(0))
}
