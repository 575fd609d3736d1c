package rpcinvoker

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The workspace control plane speaks standard unary gRPC, but its service
// definitions are internal to the provider and no generated stubs exist.
// Frames are built and parsed by hand with protowire; rawCodec hands the
// pre-encoded bytes to grpc untouched. The field numbers below mirror
// contract.proto.

// rawCodec moves *[]byte payloads through grpc without (re)encoding.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	frame, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: marshal %T, want *[]byte", v)
	}
	return *frame, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	frame, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: unmarshal into %T, want *[]byte", v)
	}
	*frame = append((*frame)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

func encodeStartRemoteServerRequest(userPublicKey string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, userPublicKey)
	return b
}

type startRemoteServerResponse struct {
	Result     bool
	ServerPort string
	User       string
	Message    string
}

func decodeStartRemoteServerResponse(data []byte) (startRemoteServerResponse, error) {
	var res startRemoteServerResponse
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return res, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return res, protowire.ParseError(n)
			}
			res.Result = v != 0
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return res, protowire.ParseError(n)
			}
			res.ServerPort = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return res, protowire.ParseError(n)
			}
			res.User = v
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return res, protowire.ParseError(n)
			}
			res.Message = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return res, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return res, nil
}

func encodeNotifyClientActivityRequest(clientID string, activities []string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, clientID)
	for _, a := range activities {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	return b
}

type notifyClientActivityResponse struct {
	Result  bool
	Message string
}

func decodeNotifyClientActivityResponse(data []byte) (notifyClientActivityResponse, error) {
	var res notifyClientActivityResponse
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return res, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return res, protowire.ParseError(n)
			}
			res.Result = v != 0
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return res, protowire.ParseError(n)
			}
			res.Message = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return res, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return res, nil
}

func decodeStartRemoteServerRequest(data []byte) (string, error) {
	var key string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		data = data[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", protowire.ParseError(n)
			}
			key = v
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		data = data[n:]
	}
	return key, nil
}

func decodeNotifyClientActivityRequest(data []byte) (string, []string, error) {
	var clientID string
	var activities []string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			clientID = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			activities = append(activities, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return clientID, activities, nil
}

func encodeStartRemoteServerResponse(res startRemoteServerResponse) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(res.Result))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, res.ServerPort)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, res.User)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, res.Message)
	return b
}

func encodeNotifyClientActivityResponse(res notifyClientActivityResponse) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(res.Result))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, res.Message)
	return b
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
