package hv

import "sync/atomic"

// CellState is the lifecycle state a cell's communication page advertises
// to its own guest code and to the root cell (§3, §4.3).
type CellState int32

const (
	CellStateShutDown CellState = iota
	CellStateRunning
	// CellStateRunningLocked marks a cell mid-reconfiguration elsewhere in
	// the system; cellReconfigOk refuses new reconfiguration requests while
	// any other cell sits in this state.
	CellStateRunningLocked
	CellStateFailed
)

// MsgCode is a message the root cell posts to a target cell's mailbox.
type MsgCode uint32

const (
	MsgNone MsgCode = iota
	MsgShutdownRequest
	MsgReconfigCompleted
)

// MsgReply is the value a cell's guest code writes back once it has acted
// on a posted MsgCode.
type MsgReply uint32

const (
	ReplyNone MsgReply = iota
	ReplyRequestApproved
	ReplyRequestDenied
	ReplyReceived
)

// CommPage is a cell's communication mailbox (§4.3): three independent
// machine words — cell_state, msg_to_cell, reply_from_cell — each accessed
// with a single atomic load or store, never protected by a mutex, matching
// the memory-mapped register contract guest code sees.
type CommPage struct {
	state CellState32
	msg   atomic.Uint32
	reply atomic.Uint32
}

// CellState32 is an atomically-accessed CellState word.
type CellState32 struct {
	v atomic.Int32
}

func (s *CellState32) Load() CellState     { return CellState(s.v.Load()) }
func (s *CellState32) Store(val CellState) { s.v.Store(int32(val)) }

// Init resets a freshly created cell's mailbox to its idle, shut-down
// state.
func (c *CommPage) Init() {
	c.state.Store(CellStateShutDown)
	c.msg.Store(uint32(MsgNone))
	c.reply.Store(uint32(ReplyNone))
}

// State returns the cell's advertised lifecycle state.
func (c *CommPage) State() CellState { return c.state.Load() }

// SetState overwrites the cell's advertised lifecycle state; used by the
// lifecycle operations to keep it consistent with what root just did.
func (c *CommPage) SetState(s CellState) { c.state.Store(s) }

// Reply returns the guest's most recent reply to a posted message.
func (c *CommPage) Reply() MsgReply { return MsgReply(c.reply.Load()) }

// Post writes a new message code and resets the reply slot, mirroring
// jailhouse_send_msg_to_cell.
func (c *CommPage) Post(code MsgCode) {
	c.reply.Store(uint32(ReplyNone))
	c.msg.Store(uint32(code))
}

// Message returns the most recently posted message code, as guest code
// would read it.
func (c *CommPage) Message() MsgCode { return MsgCode(c.msg.Load()) }

// Acknowledge is the guest-side half of the protocol: write back a reply to
// the currently posted message. Real guest code calls this; simulated
// cells in tests call it to drive the root's poll loop to a conclusion.
func (c *CommPage) Acknowledge(reply MsgReply) {
	c.reply.Store(uint32(reply))
}
