package replica

import (
	"github.com/relab/kauri"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
)

// noOpAcceptor accepts every command unconditionally, a trivial default
// used when no application-specific admission policy is configured.
type noOpAcceptor struct{}

func (noOpAcceptor) Accept(kauri.Command) bool  { return true }
func (noOpAcceptor) Proposed(kauri.Command)     {}

var _ modules.Acceptor = noOpAcceptor{}

// logExecutor executes a committed block by logging its commands; a
// real deployment would replace this with a state-machine application
// hook.
type logExecutor struct {
	logger logging.Logger
}

func (e *logExecutor) InitModule(mods *modules.Core) {
	mods.Get(&e.logger)
}

func (e *logExecutor) Exec(block *kauri.Block) {
	for _, cmd := range block.Commands() {
		e.logger.Debugf("exec: view=%v hash=%v cmd_len=%d", block.View(), block.Hash(), len(cmd))
	}
}

var (
	_ modules.Module      = (*logExecutor)(nil)
	_ modules.ExecutorExt = (*logExecutor)(nil)
)
