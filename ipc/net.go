package ipc

import "github.com/evanphx/meridian/ukernel"

// Network family opcodes. Variants that carry a user pointer also transfer
// the frame capability backing it; the pointer's page offset locates the
// data inside that frame.
const (
	OpSocketNew Word = iota
	OpSocketIsNonBlocking
	OpSocketBind
	OpSocketSend
	OpSocketRecv
	OpSocketRecvTimeout
	OpSocketConnect
	OpSocketListen
	OpSocketAccept
	OpSocketClose
	OpSocketSetNonBlocking
	OpSocketShutdown

	netOps
)

type SocketNew struct{}

func (SocketNew) Label() Word  { return Network.Label(OpSocketNew) }
func (SocketNew) Regs() []Word { return nil }

type SocketIsNonBlocking struct {
	ID Word
}

func (SocketIsNonBlocking) Label() Word    { return Network.Label(OpSocketIsNonBlocking) }
func (r SocketIsNonBlocking) Regs() []Word { return []Word{r.ID} }

type SocketBind struct {
	ID   Word
	Addr Word
}

func (SocketBind) Label() Word     { return Network.Label(OpSocketBind) }
func (r SocketBind) Regs() []Word  { return []Word{r.ID, r.Addr} }
func (r SocketBind) Pointer() Word { return r.Addr }

type SocketSend struct {
	ID  Word
	Buf Word
	Len Word
}

func (SocketSend) Label() Word     { return Network.Label(OpSocketSend) }
func (r SocketSend) Regs() []Word  { return []Word{r.ID, r.Buf, r.Len} }
func (r SocketSend) Pointer() Word { return r.Buf }

type SocketRecv struct {
	ID  Word
	Buf Word
	Len Word
}

func (SocketRecv) Label() Word     { return Network.Label(OpSocketRecv) }
func (r SocketRecv) Regs() []Word  { return []Word{r.ID, r.Buf, r.Len} }
func (r SocketRecv) Pointer() Word { return r.Buf }

// SocketRecvTimeout is a bounded receive; Timeout is in milliseconds.
type SocketRecvTimeout struct {
	ID      Word
	Buf     Word
	Len     Word
	Timeout Word
}

func (SocketRecvTimeout) Label() Word     { return Network.Label(OpSocketRecvTimeout) }
func (r SocketRecvTimeout) Regs() []Word  { return []Word{r.ID, r.Buf, r.Len, r.Timeout} }
func (r SocketRecvTimeout) Pointer() Word { return r.Buf }

type SocketConnect struct {
	ID   Word
	Addr Word
}

func (SocketConnect) Label() Word     { return Network.Label(OpSocketConnect) }
func (r SocketConnect) Regs() []Word  { return []Word{r.ID, r.Addr} }
func (r SocketConnect) Pointer() Word { return r.Addr }

type SocketListen struct {
	ID Word
}

func (SocketListen) Label() Word    { return Network.Label(OpSocketListen) }
func (r SocketListen) Regs() []Word { return []Word{r.ID} }

// SocketAccept is answered with the new socket id, an IPv4 flag, the port
// and the address split into two words.
type SocketAccept struct {
	ID Word
}

func (SocketAccept) Label() Word    { return Network.Label(OpSocketAccept) }
func (r SocketAccept) Regs() []Word { return []Word{r.ID} }

type SocketClose struct {
	ID Word
}

func (SocketClose) Label() Word    { return Network.Label(OpSocketClose) }
func (r SocketClose) Regs() []Word { return []Word{r.ID} }

type SocketSetNonBlocking struct {
	ID          Word
	NonBlocking bool
}

func (SocketSetNonBlocking) Label() Word { return Network.Label(OpSocketSetNonBlocking) }

func (r SocketSetNonBlocking) Regs() []Word {
	return []Word{r.ID, flagWord(r.NonBlocking)}
}

type SocketShutdown struct {
	ID Word
}

func (SocketShutdown) Label() Word    { return Network.Label(OpSocketShutdown) }
func (r SocketShutdown) Regs() []Word { return []Word{r.ID} }

func DecodeNetwork(m ukernel.Message) (Request, bool, error) {
	op, ok := Network.op(m.Label)
	if !ok {
		return nil, false, nil
	}

	r := newReader(m)

	var req Request

	switch op {
	case OpSocketNew:
		req = SocketNew{}
	case OpSocketIsNonBlocking:
		req = SocketIsNonBlocking{ID: r.word()}
	case OpSocketBind:
		req = SocketBind{ID: r.word(), Addr: r.word()}
	case OpSocketSend:
		req = SocketSend{ID: r.word(), Buf: r.word(), Len: r.word()}
	case OpSocketRecv:
		req = SocketRecv{ID: r.word(), Buf: r.word(), Len: r.word()}
	case OpSocketRecvTimeout:
		req = SocketRecvTimeout{ID: r.word(), Buf: r.word(), Len: r.word(), Timeout: r.word()}
	case OpSocketConnect:
		req = SocketConnect{ID: r.word(), Addr: r.word()}
	case OpSocketListen:
		req = SocketListen{ID: r.word()}
	case OpSocketAccept:
		req = SocketAccept{ID: r.word()}
	case OpSocketClose:
		req = SocketClose{ID: r.word()}
	case OpSocketSetNonBlocking:
		req = SocketSetNonBlocking{ID: r.word(), NonBlocking: r.flag()}
	default:
		req = SocketShutdown{ID: r.word()}
	}

	return r.finish(Network, op, req)
}
