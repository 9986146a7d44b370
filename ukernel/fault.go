package ukernel

// Fault labels occupy the bottom of the label space; every protocol family
// starts above FaultLabelLimit.
const (
	FaultNull           Word = 0
	FaultCap            Word = 1
	FaultUnknownSyscall Word = 2
	FaultUserException  Word = 3
	FaultVM             Word = 5
	FaultTimeout        Word = 6

	FaultLabelLimit Word = 8
)

// Register positions of a VM fault record.
const (
	VMFaultIP = iota
	VMFaultAddr
	VMFaultPrefetch
	VMFaultFSR
	VMFaultLength
)

// Fault status codes reported in the FSR word. Translation faults carry the
// level of the missing entry in the low two bits.
const (
	FSRTranslation Word = 0x04
	FSRAccessFlag  Word = 0x08
	FSRPermission  Word = 0x0c
	FSRClassMask   Word = 0x3c
)
