// Package wire defines the four message types that cross the committer's
// sockets and hand-rolls their protobuf wire encoding using
// google.golang.org/protobuf/encoding/protowire — the same "stand in for a
// generated message" approach the teacher's pb package uses for its gRPC
// service types, generalized here to real wire-compatible encode/decode
// since these messages actually travel over a socket rather than staying
// in-process.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ClientRequest.Method values.
type Method int32

const (
	MethodUpdateWeights  Method = 0
	MethodNewEpochVote   Method = 1
	MethodClientRegister Method = 2
	MethodFetchWLast     Method = 3
)

func (m Method) String() string {
	switch m {
	case MethodUpdateWeights:
		return "UPD_WEIGHTS"
	case MethodNewEpochVote:
		return "NEW_EPOCH_VOTE"
	case MethodClientRegister:
		return "CLIENT_REGISTER"
	case MethodFetchWLast:
		return "FETCH_W_LAST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(m))
	}
}

// Status values carried in a Response.
type Status int32

const (
	StatusOK                 Status = 0
	StatusNotMeetQuorumWait  Status = 1
	StatusBadRequest         Status = 2
	StatusInternalError      Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotMeetQuorumWait:
		return "NOT_MEET_QUORUM_WAIT"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// RegisterInfo publishes the client's two loopback listener endpoints to
// the replica inside the initial ClientRegister / ObsidoRequest.
type RegisterInfo struct {
	Host     string
	Port     int32
	PasvHost string
	PasvPort int32
}

const (
	registerInfoFieldHost = protowire.Number(1 + iota)
	registerInfoFieldPort
	registerInfoFieldPasvHost
	registerInfoFieldPasvPort
)

func (r *RegisterInfo) Marshal() []byte {
	if r == nil {
		return nil
	}
	var b []byte
	b = appendString(b, registerInfoFieldHost, r.Host)
	b = appendVarint(b, registerInfoFieldPort, uint64(r.Port))
	b = appendString(b, registerInfoFieldPasvHost, r.PasvHost)
	b = appendVarint(b, registerInfoFieldPasvPort, uint64(r.PasvPort))
	return b
}

func unmarshalRegisterInfo(data []byte) (*RegisterInfo, error) {
	r := &RegisterInfo{}
	return r, walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case registerInfoFieldHost:
			v, n, err := consumeString(b, typ)
			r.Host = v
			return n, err
		case registerInfoFieldPort:
			v, n, err := consumeVarint(b, typ)
			r.Port = int32(v)
			return n, err
		case registerInfoFieldPasvHost:
			v, n, err := consumeString(b, typ)
			r.PasvHost = v
			return n, err
		case registerInfoFieldPasvPort:
			v, n, err := consumeVarint(b, typ)
			r.PasvPort = int32(v)
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// ClientRequest is the request message the committer sends on both
// streams: UpdateWeights and NewEpochVote on the consensus stream, and
// ClientRegister and FetchWLast on the observer stream.
type ClientRequest struct {
	Method        Method
	RequestUUID   string
	ClientName    string
	TargetEpochID *int64
	Weights       []byte
	RegisterInfo  *RegisterInfo
}

const (
	clientRequestFieldMethod = protowire.Number(1 + iota)
	clientRequestFieldRequestUUID
	clientRequestFieldClientName
	clientRequestFieldTargetEpochID
	clientRequestFieldWeights
	clientRequestFieldRegisterInfo
)

func (c *ClientRequest) Marshal() []byte {
	var b []byte
	b = appendVarint(b, clientRequestFieldMethod, uint64(c.Method))
	b = appendString(b, clientRequestFieldRequestUUID, c.RequestUUID)
	b = appendString(b, clientRequestFieldClientName, c.ClientName)
	if c.TargetEpochID != nil {
		b = appendVarint(b, clientRequestFieldTargetEpochID, uint64(*c.TargetEpochID))
	}
	if len(c.Weights) > 0 {
		b = appendBytes(b, clientRequestFieldWeights, c.Weights)
	}
	if c.RegisterInfo != nil {
		b = appendBytes(b, clientRequestFieldRegisterInfo, c.RegisterInfo.Marshal())
	}
	return b
}

func UnmarshalClientRequest(data []byte) (*ClientRequest, error) {
	c := &ClientRequest{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case clientRequestFieldMethod:
			v, n, err := consumeVarint(b, typ)
			c.Method = Method(v)
			return n, err
		case clientRequestFieldRequestUUID:
			v, n, err := consumeString(b, typ)
			c.RequestUUID = v
			return n, err
		case clientRequestFieldClientName:
			v, n, err := consumeString(b, typ)
			c.ClientName = v
			return n, err
		case clientRequestFieldTargetEpochID:
			v, n, err := consumeVarint(b, typ)
			epoch := int64(v)
			c.TargetEpochID = &epoch
			return n, err
		case clientRequestFieldWeights:
			v, n, err := consumeBytes(b, typ)
			c.Weights = v
			return n, err
		case clientRequestFieldRegisterInfo:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			ri, err := unmarshalRegisterInfo(raw)
			if err != nil {
				return n, err
			}
			c.RegisterInfo = ri
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return c, err
}

// ObsidoRequest is an observer-stream message layout for ClientRegister
// and FetchWLast (register info at field 4 rather than ClientRequest's
// field 6). The committer does not send it: its observer-stream requests
// are encoded as ClientRequest.
type ObsidoRequest struct {
	Method       Method
	RequestUUID  string
	ClientName   string
	RegisterInfo *RegisterInfo
}

const (
	obsidoRequestFieldMethod = protowire.Number(1 + iota)
	obsidoRequestFieldRequestUUID
	obsidoRequestFieldClientName
	obsidoRequestFieldRegisterInfo
)

func (o *ObsidoRequest) Marshal() []byte {
	var b []byte
	b = appendVarint(b, obsidoRequestFieldMethod, uint64(o.Method))
	b = appendString(b, obsidoRequestFieldRequestUUID, o.RequestUUID)
	b = appendString(b, obsidoRequestFieldClientName, o.ClientName)
	if o.RegisterInfo != nil {
		b = appendBytes(b, obsidoRequestFieldRegisterInfo, o.RegisterInfo.Marshal())
	}
	return b
}

func UnmarshalObsidoRequest(data []byte) (*ObsidoRequest, error) {
	o := &ObsidoRequest{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case obsidoRequestFieldMethod:
			v, n, err := consumeVarint(b, typ)
			o.Method = Method(v)
			return n, err
		case obsidoRequestFieldRequestUUID:
			v, n, err := consumeString(b, typ)
			o.RequestUUID = v
			return n, err
		case obsidoRequestFieldClientName:
			v, n, err := consumeString(b, typ)
			o.ClientName = v
			return n, err
		case obsidoRequestFieldRegisterInfo:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			ri, err := unmarshalRegisterInfo(raw)
			if err != nil {
				return n, err
			}
			o.RegisterInfo = ri
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return o, err
}

// Response is the eventual reply to a ClientRequest or ObsidoRequest
// delivered through the active listener.
type Response struct {
	RequestUUID   string
	ResponseUUID  string
	Stat          Status
	RLastEpochID  *int64
}

const (
	responseFieldRequestUUID = protowire.Number(1 + iota)
	responseFieldResponseUUID
	responseFieldStat
	responseFieldRLastEpochID
)

func (r *Response) Marshal() []byte {
	var b []byte
	b = appendString(b, responseFieldRequestUUID, r.RequestUUID)
	b = appendString(b, responseFieldResponseUUID, r.ResponseUUID)
	b = appendVarint(b, responseFieldStat, uint64(r.Stat))
	if r.RLastEpochID != nil {
		b = appendVarint(b, responseFieldRLastEpochID, uint64(*r.RLastEpochID))
	}
	return b
}

func UnmarshalResponse(data []byte) (*Response, error) {
	r := &Response{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case responseFieldRequestUUID:
			v, n, err := consumeString(b, typ)
			r.RequestUUID = v
			return n, err
		case responseFieldResponseUUID:
			v, n, err := consumeString(b, typ)
			r.ResponseUUID = v
			return n, err
		case responseFieldStat:
			v, n, err := consumeVarint(b, typ)
			r.Stat = Status(v)
			return n, err
		case responseFieldRLastEpochID:
			v, n, err := consumeVarint(b, typ)
			epoch := int64(v)
			r.RLastEpochID = &epoch
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return r, err
}

// WeightsResponse is the unsolicited bundle pushed to the passive
// listener: every participant's last-known serialized weights, bundled
// atomically with the replica's view of the last finalized epoch.
type WeightsResponse struct {
	ResponseUUID string
	RLastEpochID int64
	WLast        map[string][]byte
}

const (
	weightsResponseFieldResponseUUID = protowire.Number(1 + iota)
	weightsResponseFieldRLastEpochID
	weightsResponseFieldWLast
)

// w_last entries are encoded as protobuf map entries: an embedded
// message per pair with field 1 = key (string), field 2 = value (bytes).
const (
	wLastEntryFieldKey = protowire.Number(1)
	wLastEntryFieldVal = protowire.Number(2)
)

func (w *WeightsResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, weightsResponseFieldResponseUUID, w.ResponseUUID)
	b = appendVarint(b, weightsResponseFieldRLastEpochID, uint64(w.RLastEpochID))
	for k, v := range w.WLast {
		var entry []byte
		entry = appendString(entry, wLastEntryFieldKey, k)
		entry = appendBytes(entry, wLastEntryFieldVal, v)
		b = appendBytes(b, weightsResponseFieldWLast, entry)
	}
	return b
}

func UnmarshalWeightsResponse(data []byte) (*WeightsResponse, error) {
	w := &WeightsResponse{WLast: map[string][]byte{}}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case weightsResponseFieldResponseUUID:
			v, n, err := consumeString(b, typ)
			w.ResponseUUID = v
			return n, err
		case weightsResponseFieldRLastEpochID:
			v, n, err := consumeVarint(b, typ)
			w.RLastEpochID = int64(v)
			return n, err
		case weightsResponseFieldWLast:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var key string
			var val []byte
			ferr := walkFields(raw, func(enum protowire.Number, etyp protowire.Type, eb []byte) (int, error) {
				switch enum {
				case wLastEntryFieldKey:
					v, en, err := consumeString(eb, etyp)
					key = v
					return en, err
				case wLastEntryFieldVal:
					v, en, err := consumeBytes(eb, etyp)
					val = v
					return en, err
				default:
					return protowire.ConsumeFieldValue(enum, etyp, eb), nil
				}
			})
			if ferr != nil {
				return n, ferr
			}
			w.WLast[key] = val
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return w, err
}
