package loopii

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// candidate profile surfaced by the feed for a connect/skip decision.
// the display attributes are owned by the backend and passed through opaquely.
type Peer struct {
	Id          Id                `json:"id"`
	Username    string            `json:"username,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Bio         string            `json:"bio,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// mutual-match record created when two users both choose to connect
type Loop struct {
	Id          Id        `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	IsSeen      bool      `json:"is_seen"`
	IsFavourite bool      `json:"is_favourite"`
}

// loop plus the profile of the other user in the loop
type LoopItem struct {
	Loop    *Loop `json:"loop"`
	Profile *Peer `json:"profile"`
}

// one-sided connect decision waiting on the other user
type Decision struct {
	Id        Id        `json:"id"`
	DeciderId Id        `json:"decider_id"`
	CreatedAt time.Time `json:"created_at"`
	IsSeen    bool      `json:"is_seen"`
}

type RequestItem struct {
	Decision *Decision `json:"decision"`
	Profile  *Peer     `json:"profile"`
}

type Notification struct {
	Id        Id                `json:"id"`
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	IsRead    bool              `json:"is_read"`
	Data      *NotificationData `json:"data,omitempty"`
}

// minimal event payload; the bridge hydrates the full record from the gateway
type NotificationData struct {
	LoopId     *Id    `json:"loop_id,omitempty"`
	DeciderId  *Id    `json:"decider_id,omitempty"`
	DecisionId *Id    `json:"decision_id,omitempty"`
	Message    string `json:"message,omitempty"`
}
