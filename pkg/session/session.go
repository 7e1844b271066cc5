// Package session owns the ephemeral collaborative session for a flow: the
// membership record (who is present, cursors, last chat line) and the working
// copy of the graph, both held in the shared volatile store while at least
// one editor is connected.
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sparkflow/sparkflow/pkg/flow"
)

var (
	ErrFlowNotFound          = errors.New("session: flow not found")
	ErrPermissionDenied      = errors.New("session: permission denied")
	ErrSessionNotEstablished = errors.New("session: not established")
	ErrStoreUnavailable      = errors.New("session: ephemeral store unavailable")

	// ErrCorruptRecord reports ephemeral state that no longer decodes. This
	// is a data fault, not store unavailability: retrying will not help.
	ErrCorruptRecord = errors.New("session: corrupt session record")
)

// Member is one present user's entry in the membership record. Database is
// the durable user snapshot taken at join time; Chat keeps only the last
// line, there is no history.
type Member struct {
	Database flow.User     `json:"database"`
	Position flow.Position `json:"position"`
	Chat     *string       `json:"chat"`
}

// Members maps user id to membership state for one flow's session.
type Members map[string]Member

func decodeMembers(data []byte) (Members, error) {
	var members Members
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("%w: membership record: %s", ErrCorruptRecord, err)
	}
	return members, nil
}

const (
	graphKeyPrefix   = "rt:flow:"
	membersKeyPrefix = "rt:users:"
)

func graphKey(flowID string) string {
	return graphKeyPrefix + flowID
}

func membersKey(flowID string) string {
	return membersKeyPrefix + flowID
}
