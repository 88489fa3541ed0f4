package callback

import "syscall"

// terminationSignal is the polite shutdown signal DefaultLifeCycle.TearDown
// sends before a forcible kill.
var terminationSignal = syscall.SIGTERM
