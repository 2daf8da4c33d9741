package domain

// CommandID identifies one firmware control operation. The numeric values are
// stable across firmware revisions for the operations the core issues; vendor
// specific commands live above 0x100.
type CommandID uint16

const (
	CmdJoin           CommandID = 0x01
	CmdAuthenticate   CommandID = 0x02
	CmdAssociate      CommandID = 0x03
	CmdDisassociate   CommandID = 0x04
	CmdDeauthenticate CommandID = 0x05
	CmdScanStart      CommandID = 0x10
	CmdScanAbort      CommandID = 0x11
	CmdSetPowerSave   CommandID = 0x20
	CmdGetSignal      CommandID = 0x21
	CmdCreateIface    CommandID = 0x30
	CmdDestroyIface   CommandID = 0x31
)

// Command is one control request submitted to the firmware queue. Tag is the
// correlation tag assigned by the command channel; firmware echoes it on the
// completion. Set distinguishes set-operations from queries, mirroring the
// is_set flag on the bus boundary.
type Command struct {
	Tag     uint16
	Iface   InterfaceID
	ID      CommandID
	Set     bool
	Payload []byte
}

// CommandCompletion is the firmware's answer to one Command.
type CommandCompletion struct {
	Tag     uint16
	Status  StatusCode
	Payload []byte
}
