package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Identity is the caller's 32-byte identity in hex; it signs every OP.
	Identity        string `json:"identity"`
	ClientName      string `json:"client_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	Identity        string   `json:"identity"`
	ProgramID       string   `json:"program_id"`
	Venues          []string `json:"venues"`
}

// OP (client -> server): one program operation against the record named by UID.
type OpMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Op              string `json:"op"`
	UID             string `json:"uid"`
	ClientSeed      uint8  `json:"client_seed,omitempty"`
	Index           uint8  `json:"index,omitempty"`
	TaskID          uint64 `json:"task_id,omitempty"`
	IntervalMs      uint64 `json:"interval_ms,omitempty"`
	Iterations      uint64 `json:"iterations,omitempty"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ID              string   `json:"id"`
	OK              bool     `json:"ok"`
	Code            string   `json:"code,omitempty"`
	Message         string   `json:"message,omitempty"`
	Venue           string   `json:"venue,omitempty"`
	Slot            uint64   `json:"slot,omitempty"`
	Logs            []string `json:"logs,omitempty"`
	// Item is the code removed by use_item.
	Item            *uint8   `json:"item,omitempty"`
}

// GET (client -> server)
type GetMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	UID             string `json:"uid"`
}

type CreatureView struct {
	Address   string `json:"address"`
	Owner     string `json:"owner"`
	UID       string `json:"uid"`
	Hunger    uint8  `json:"hunger"`
	LastFed   int64  `json:"last_fed"`
	Coins     uint64 `json:"coins"`
	ItemDrop  bool   `json:"item_drop"`
	Inventory []int  `json:"inventory"`
}

// RECORD (server -> client)
type RecordMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	ID              string        `json:"id"`
	OK              bool          `json:"ok"`
	Code            string        `json:"code,omitempty"`
	Message         string        `json:"message,omitempty"`
	Record          *CreatureView `json:"record,omitempty"`
	Delegated       bool          `json:"delegated"`
	Venue           string        `json:"venue,omitempty"`
	Stale           bool          `json:"stale"`
}

// ERROR (server -> client) for messages that never reached an operation.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	ID              string `json:"id,omitempty"`
}
