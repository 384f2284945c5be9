package bus

import (
	"fmt"
	"time"
)

// Inbound topic patterns.
const (
	ExternalEventPattern = "vpp/events/external/{programId}"
	SiteResponsePattern  = "vpp/events/{eventId}/responses/{siteId}"
	DeviceStatePattern   = "devices/{resourceId}/state"
)

// NotificationTopic carries manual acceptance requests to a site.
func NotificationTopic(siteID int64) string {
	return fmt.Sprintf("vpp/sites/%d/events/notification", siteID)
}

// SiteEventTopic carries lifecycle notices (auto_enrolled, start, end, cancel).
func SiteEventTopic(siteID, eventID int64, kind string) string {
	return fmt.Sprintf("vpp/sites/%d/events/%d/%s", siteID, eventID, kind)
}

// ExternalEventTopic is where external program operators publish new events.
func ExternalEventTopic(programID int64) string {
	return fmt.Sprintf("vpp/events/external/%d", programID)
}

// SiteResponseTopic is where sites answer a notification.
func SiteResponseTopic(eventID, siteID int64) string {
	return fmt.Sprintf("vpp/events/%d/responses/%d", eventID, siteID)
}

// CommandTopic carries allocate and release commands to a device.
func CommandTopic(resourceID string) string {
	return "devices/" + resourceID + "/commands/request"
}

// Site event kinds.
const (
	KindAutoEnrolled = "auto_enrolled"
	KindStart        = "start"
	KindEnd          = "end"
	KindCancel       = "cancel"
)

// Command actions.
const (
	ActionAllocate = "allocate"
	ActionRelease  = "release"
)

// EventNotification asks a site to accept or reject an event.
type EventNotification struct {
	EventID             int64     `json:"eventId"`
	ProgramID           int64     `json:"programId"`
	ParticipationID     int64     `json:"participationId"`
	StartTime           time.Time `json:"startTime"`
	EndTime             time.Time `json:"endTime"`
	Direction           string    `json:"direction"`
	RequestedCapacityKW float64   `json:"requestedCapacity"`
	CompensationRate    float64   `json:"compensationRate"`
	Currency            string    `json:"currency,omitempty"`
	AcceptanceDeadline  time.Time `json:"acceptanceDeadline"`
}

// SiteEventNotice reports a lifecycle change of an event to a site.
type SiteEventNotice struct {
	Kind               string    `json:"kind"`
	EventID            int64     `json:"eventId"`
	ParticipationID    int64     `json:"participationId"`
	AcceptedCapacityKW float64   `json:"acceptedCapacity"`
	StartTime          time.Time `json:"startTime"`
	EndTime            time.Time `json:"endTime"`
	Direction          string    `json:"direction"`
	Performance        *float64  `json:"performance,omitempty"`
	Compensation       *float64  `json:"compensation,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// DeviceCommand is sent to a resource to apply or release an allocation.
type DeviceCommand struct {
	CommandID       string             `json:"commandId"`
	ResourceID      string             `json:"resourceId"`
	Action          string             `json:"action"`
	ParticipationID int64              `json:"participationId"`
	EventID         int64              `json:"eventId"`
	Direction       string             `json:"direction"`
	PowerKW         float64            `json:"powerKw"`
	Constraints     map[string]float64 `json:"constraints,omitempty"`
	Until           *time.Time         `json:"until,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// ExternalEvent is the inbound payload announcing a program event.
type ExternalEvent struct {
	ExternalID         string     `json:"externalId"`
	Name               string     `json:"name"`
	StartTime          time.Time  `json:"startTime"`
	EndTime            time.Time  `json:"endTime"`
	Direction          string     `json:"direction"`
	CapacityKW         float64    `json:"capacity"`
	CompensationRate   *float64   `json:"compensationRate,omitempty"`
	AcceptanceDeadline *time.Time `json:"acceptanceDeadline,omitempty"`
}

// SiteResponse is the inbound payload answering a notification.
type SiteResponse struct {
	Action     string   `json:"action"`
	CapacityKW *float64 `json:"capacity,omitempty"`
}

// Site response actions.
const (
	ResponseAccept = "accept"
	ResponseReject = "reject"
)
