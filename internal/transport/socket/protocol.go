package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown Operation = 0
	OperationCommand Operation = 1
	OperationPing    Operation = 2
	OperationHealth  Operation = 3
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 3
	ErrorCodeInternal        ErrorCode = 4
)

// SocketRequest carries one client command. Command holds the JSON encoded
// command document.
type SocketRequest struct {
	RequestId string `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32  `protobuf:"varint,3,opt,name=operation,proto3"`
	Command   []byte `protobuf:"bytes,4,opt,name=command,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

// SocketResponse is either the reply to a request (RequestId set) or an
// unsolicited notification. Push holds a JSON encoded response document.
type SocketResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Push         []byte          `protobuf:"bytes,4,opt,name=push,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationCommand:
		if len(req.Command) == 0 {
			return fmt.Errorf("command payload is required")
		}
	}
	return nil
}
