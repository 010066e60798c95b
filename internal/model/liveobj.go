package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjKind distinguishes the two participant kinds that can sit in a day's
// queues: users asking to borrow a spot and passes offered up for lending.
type ObjKind int

const (
	ObjUser ObjKind = iota + 1
	ObjPass
)

func (k ObjKind) String() string {
	switch k {
	case ObjUser:
		return "user"
	case ObjPass:
		return "pass"
	}
	return fmt.Sprintf("ObjKind(%d)", int(k))
}

// LiveObj is a queue participant: an identity plus the monotonically
// increasing token that invalidates stale queue entries after a refresh.
type LiveObj struct {
	Kind  ObjKind
	ID    int64
	Token int64
}

// String encodes the queue entry form "{id}:{token}". The kind is implied by
// which queue the entry sits in and is not part of the encoding.
func (o LiveObj) String() string {
	return strconv.FormatInt(o.ID, 10) + ":" + strconv.FormatInt(o.Token, 10)
}

// ParseLiveObj decodes an "{id}:{token}" queue entry.
func ParseLiveObj(s string, kind ObjKind) (LiveObj, error) {
	idStr, tokStr, ok := strings.Cut(s, ":")
	if !ok {
		return LiveObj{}, fmt.Errorf("malformed queue entry %q", s)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return LiveObj{}, fmt.Errorf("queue entry %q: bad id: %w", s, err)
	}
	tok, err := strconv.ParseInt(tokStr, 10, 64)
	if err != nil {
		return LiveObj{}, fmt.Errorf("queue entry %q: bad token: %w", s, err)
	}
	return LiveObj{Kind: kind, ID: id, Token: tok}, nil
}
