package domain

import "fmt"

type GroupID string

type Group struct {
	ID GroupID
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) HasVideo() bool { return t == CallVideo }

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallAudio, "":
		return CallAudio, nil
	case CallVideo:
		return CallVideo, nil
	}
	return "", fmt.Errorf("unknown call type %q", s)
}
