package bus1

// Resource limits applied to every connected peer. A message charges its
// destination, never its sender, so a slow receiver throttles the producers
// talking to it rather than the rest of the bus.
const (
	quotaMaxMessages = 1024
	quotaMaxHandles  = 4096
	quotaMaxFiles    = 1024
)

// quota tracks the resources pinned on a destination peer by messages that
// have not been received yet. Guarded by the owning peer's lock.
type quota struct {
	maxMessages uint32
	maxHandles  uint32
	maxFiles    uint32

	messages uint32
	handles  uint32
	files    uint32
}

func (u *quota) init() {
	u.maxMessages = quotaMaxMessages
	u.maxHandles = quotaMaxHandles
	u.maxFiles = quotaMaxFiles
	u.messages = 0
	u.handles = 0
	u.files = 0
}

// charge accounts one in-flight message with its attachments. Pool bytes are
// accounted by the pool allocation itself.
func (u *quota) charge(handles, files uint32) error {
	if u.messages+1 > u.maxMessages ||
		u.handles+handles > u.maxHandles ||
		u.files+files > u.maxFiles {
		return ErrQuotaExceeded
	}
	u.messages++
	u.handles += handles
	u.files += files
	return nil
}

func (u *quota) uncharge(handles, files uint32) {
	if u.messages == 0 || u.handles < handles || u.files < files {
		logWarn("quota uncharge below zero",
			"messages", u.messages, "handles", u.handles, "files", u.files)
		return
	}
	u.messages--
	u.handles -= handles
	u.files -= files
}

func (u *quota) reset() {
	u.messages = 0
	u.handles = 0
	u.files = 0
}
