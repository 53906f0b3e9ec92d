package protocol

// Area is the part of the world an observer wants to see: every column
// within ChunkRadius chunks of Center.
type Area struct {
	Center      [3]int32 `json:"center"`
	ChunkRadius int      `json:"chunk_radius"`
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	Area            Area   `json:"area"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	ChunkRadius     int    `json:"chunk_radius"`
}

// SUBSCRIBE (client -> server) moves or resizes the observed area.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Area            Area   `json:"area"`
}

// ERROR (server -> client) is only sent before the connection is closed.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewHello(name string, area Area) HelloMsg {
	return HelloMsg{Type: TypeHello, ProtocolVersion: Version, ClientName: name, Area: area}
}

func NewSubscribe(area Area) SubscribeMsg {
	return SubscribeMsg{Type: TypeSubscribe, ProtocolVersion: Version, Area: area}
}
