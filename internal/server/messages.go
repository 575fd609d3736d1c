package server

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/termbridge/termbridge/internal/portregistry"
	"github.com/termbridge/termbridge/internal/provider"
)

// Client → server message types.
const (
	TypeAuthenticate           = "authenticate"
	TypeListCodespaces         = "list_codespaces"
	TypeConnectCodespace       = "connect_codespace"
	TypeConnectToRepoCodespace = "connect_to_repo_codespace"
	TypeDisconnectCodespace    = "disconnect_codespace"
	TypeStartCodespace         = "start_codespace"
	TypeStopCodespace          = "stop_codespace"
	TypeInput                  = "input"
	TypeResize                 = "resize"
	TypeRefreshPorts           = "refresh_ports"
	TypeGetPortInfo            = "get_port_info"
	TypeQueryCodespaceStatus   = "query_codespace_status"
)

// Server → client message types.
const (
	TypeAuthenticated             = "authenticated"
	TypeCodespacesList            = "codespaces_list"
	TypeCodespaceState            = "codespace_state"
	TypeOutput                    = "output"
	TypePortUpdate                = "port_update"
	TypePortInfoResponse          = "port_info_response"
	TypeDisconnectedFromCodespace = "disconnected_from_codespace"
	TypeError                     = "error"
	TypeSessionInfo               = "session_info"
)

// ClientMessage is the envelope for every client message; the type field
// selects which other fields are meaningful.
type ClientMessage struct {
	Type          string `json:"type"`
	Token         string `json:"token,omitempty"`
	CodespaceName string `json:"codespace_name,omitempty"`
	ShellType     string `json:"shell_type,omitempty"`
	GeminiAPIKey  string `json:"gemini_api_key,omitempty"`
	RepoURL       string `json:"repo_url,omitempty"`
	Data          string `json:"data,omitempty"`
	Cols          int    `json:"cols,omitempty"`
	Rows          int    `json:"rows,omitempty"`
}

type AuthenticatedMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type CodespacesListMessage struct {
	Type string               `json:"type"`
	Data []provider.Codespace `json:"data"`
}

type CodespaceStateMessage struct {
	Type               string              `json:"type"`
	CodespaceName      string              `json:"codespace_name"`
	State              string              `json:"state"`
	RepositoryFullName string              `json:"repository_full_name,omitempty"`
	CodespaceData      *provider.Codespace `json:"codespace_data,omitempty"`
}

// OutputMessage carries terminal bytes base64-encoded: raw PTY output is not
// valid UTF-8 in general and JSON strings would mangle it.
type OutputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type PortUpdateMessage struct {
	Type      string                 `json:"type"`
	PortCount int                    `json:"portCount"`
	Ports     []portregistry.Mapping `json:"ports"`
	Timestamp string                 `json:"timestamp"`
}

// PortInfo is the structured registry view for port_info_response.
type PortInfo struct {
	RPC         *portregistry.Mapping  `json:"rpc,omitempty"`
	SSH         *portregistry.Mapping  `json:"ssh,omitempty"`
	User        []portregistry.Mapping `json:"user"`
	Management  []portregistry.Mapping `json:"management"`
	LastUpdated string                 `json:"lastUpdated"`
}

type PortInfoResponseMessage struct {
	Type     string   `json:"type"`
	PortInfo PortInfo `json:"portInfo"`
}

type DisconnectedMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionInfoMessage carries the session id a client needs to reconnect
// within the grace window.
type SessionInfoMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func marshalOutput(data []byte) []byte {
	msg := OutputMessage{Type: TypeOutput, Data: base64.StdEncoding.EncodeToString(data)}
	b, _ := json.Marshal(msg)
	return b
}

func marshalPortUpdate(snap portregistry.Snapshot) []byte {
	ports := snap.All()
	if ports == nil {
		ports = []portregistry.Mapping{}
	}
	msg := PortUpdateMessage{
		Type:      TypePortUpdate,
		PortCount: len(ports),
		Ports:     ports,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(msg)
	return data
}

func marshalPortInfo(snap portregistry.Snapshot) []byte {
	info := PortInfo{
		RPC:        snap.RPC,
		SSH:        snap.SSH,
		User:       snap.User,
		Management: snap.Management,
	}
	if info.User == nil {
		info.User = []portregistry.Mapping{}
	}
	if info.Management == nil {
		info.Management = []portregistry.Mapping{}
	}
	if !snap.LastUpdated.IsZero() {
		info.LastUpdated = snap.LastUpdated.UTC().Format(time.RFC3339)
	}
	data, _ := json.Marshal(PortInfoResponseMessage{Type: TypePortInfoResponse, PortInfo: info})
	return data
}
