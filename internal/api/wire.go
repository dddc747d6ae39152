package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/nixpig/agentshell/internal/supervisor"
	"google.golang.org/protobuf/types/known/structpb"
)

// Field names of encoded snapshots and events.
const (
	fieldState     = "state"
	fieldTimestamp = "timestamp"
	fieldExitCode  = "exit_code"
	fieldSignal    = "signal"
	fieldWorkerID  = "worker_id"
	fieldPID       = "pid"

	fieldSequence = "sequence"
	fieldKind     = "kind"
	fieldTime     = "time"
	fieldText     = "text"
	fieldLevel    = "level"
	fieldStatus   = "status"
)

// EncodeSnapshot converts snap to its wire form. Unset optional fields are
// omitted.
func EncodeSnapshot(snap supervisor.Snapshot) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldState:     structpb.NewStringValue(snap.State.String()),
		fieldTimestamp: structpb.NewStringValue(snap.Timestamp.UTC().Format(time.RFC3339Nano)),
	}

	if snap.ExitCode != nil {
		fields[fieldExitCode] = structpb.NewNumberValue(float64(*snap.ExitCode))
	}

	if snap.Signal != "" {
		fields[fieldSignal] = structpb.NewStringValue(snap.Signal)
	}

	if snap.WorkerID != "" {
		fields[fieldWorkerID] = structpb.NewStringValue(snap.WorkerID)
	}

	if snap.PID > 0 {
		fields[fieldPID] = structpb.NewNumberValue(float64(snap.PID))
	}

	return &structpb.Struct{Fields: fields}
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(s *structpb.Struct) (supervisor.Snapshot, error) {
	fields := s.GetFields()

	state, err := supervisor.ParseState(fields[fieldState].GetStringValue())
	if err != nil {
		return supervisor.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	ts, err := decodeTime(fields[fieldTimestamp])
	if err != nil {
		return supervisor.Snapshot{}, fmt.Errorf("decode snapshot timestamp: %w", err)
	}

	snap := supervisor.Snapshot{
		State:     state,
		Timestamp: ts,
		Signal:    fields[fieldSignal].GetStringValue(),
		WorkerID:  fields[fieldWorkerID].GetStringValue(),
		PID:       int(fields[fieldPID].GetNumberValue()),
	}

	if v, ok := fields[fieldExitCode]; ok {
		code := int(v.GetNumberValue())
		snap.ExitCode = &code
	}

	return snap, nil
}

// EncodeEvent converts e to its wire form.
func EncodeEvent(e supervisor.Event) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldSequence: structpb.NewNumberValue(float64(e.Sequence)),
		fieldKind:     structpb.NewStringValue(e.Kind.String()),
		fieldTime:     structpb.NewStringValue(e.Time.UTC().Format(time.RFC3339Nano)),
		fieldWorkerID: structpb.NewStringValue(e.WorkerID),
	}

	switch e.Kind {
	case supervisor.KindStatusChange:
		if e.Status != nil {
			fields[fieldStatus] = structpb.NewStructValue(EncodeSnapshot(*e.Status))
		}
	default:
		fields[fieldText] = structpb.NewStringValue(e.Text)

		if e.Level != "" {
			fields[fieldLevel] = structpb.NewStringValue(e.Level)
		}
	}

	return &structpb.Struct{Fields: fields}
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(s *structpb.Struct) (supervisor.Event, error) {
	fields := s.GetFields()

	kind, err := supervisor.ParseKind(fields[fieldKind].GetStringValue())
	if err != nil {
		return supervisor.Event{}, fmt.Errorf("decode event: %w", err)
	}

	t, err := decodeTime(fields[fieldTime])
	if err != nil {
		return supervisor.Event{}, fmt.Errorf("decode event time: %w", err)
	}

	e := supervisor.Event{
		Sequence: uint64(fields[fieldSequence].GetNumberValue()),
		Kind:     kind,
		Time:     t,
		WorkerID: fields[fieldWorkerID].GetStringValue(),
		Text:     fields[fieldText].GetStringValue(),
		Level:    fields[fieldLevel].GetStringValue(),
	}

	if kind == supervisor.KindStatusChange {
		status := fields[fieldStatus].GetStructValue()
		if status == nil {
			return supervisor.Event{}, errors.New("decode event: status change without status")
		}

		snap, err := DecodeSnapshot(status)
		if err != nil {
			return supervisor.Event{}, err
		}

		e.Status = &snap
	}

	return e, nil
}

func decodeTime(v *structpb.Value) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v.GetStringValue())
}
