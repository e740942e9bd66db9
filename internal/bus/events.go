// SPDX-License-Identifier: MIT

// Package bus implements the in-process event bus: typed topics fanned out
// to subscribers grouped by room. It is the single egress for progress and
// state-change telemetry.
package bus

import (
	"fmt"
	"time"
)

// Topic identifies the kind of an event.
type Topic string

const (
	TopicQueueUpdated           Topic = "queue.updated"
	TopicQueueStatusResponse    Topic = "queue.status.response"
	TopicTestStart              Topic = "test.start"
	TopicTestScenarioStart      Topic = "test.scenario.start"
	TopicTestScenarioComplete   Topic = "test.scenario.complete"
	TopicTestProgress           Topic = "test.progress"
	TopicTestComplete           Topic = "test.complete"
	TopicDeviceNode             Topic = "device.node"
	TopicDeviceScenarioStart    Topic = "device.scenario.start"
	TopicDeviceScenarioComplete Topic = "device.scenario.complete"
	TopicSessionHealth          Topic = "session.health"
	TopicScreenshotFrame        Topic = "screenshot.frame"
)

// Terminal reports whether events of this topic carry terminal state and
// must never be dropped by the overflow policy.
func (t Topic) Terminal() bool {
	switch t {
	case TopicTestComplete, TopicTestScenarioComplete, TopicDeviceScenarioComplete:
		return true
	}
	return false
}

// Room names a subscription scope.
const RoomGlobal = "global"

// RoomExecution returns the room scoped to one execution.
func RoomExecution(executionID string) string {
	return fmt.Sprintf("execution:%s", executionID)
}

// RoomDevice returns the room scoped to one device.
func RoomDevice(deviceID string) string {
	return fmt.Sprintf("device:%s", deviceID)
}

// RoomUser returns the room scoped to one user.
func RoomUser(userName string) string {
	return fmt.Sprintf("user:%s", userName)
}

// Event is one bus message. Seq is assigned per room at publish time and is
// strictly increasing; consumers may coalesce but must not reorder.
type Event struct {
	Topic       Topic     `json:"topic"`
	Room        string    `json:"room"`
	ExecutionID string    `json:"executionId,omitempty"`
	Seq         uint64    `json:"seq"`
	Time        time.Time `json:"time"`
	Payload     any       `json:"payload,omitempty"`
}

// terminal reports whether this event must survive queue overflow.
func (e Event) terminal() bool {
	return e.Topic.Terminal()
}
