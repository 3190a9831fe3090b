package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VMName builds the unique instance name for a slot's next VM. The scheme
// is "<prefix>-s<slot>-<unix millis>"; the timestamp keeps names unique
// across attempts on the same slot, and the prefix lets reconciliation
// recognize VMs created by this process (or a crashed predecessor).
func VMName(prefix string, slot int) string {
	return fmt.Sprintf("%s-s%d-%d", prefix, slot, time.Now().UnixMilli())
}

// OwnsName reports whether name matches the naming scheme for prefix.
// Only matching VMs may be destroyed by reconciliation; everything else on
// the hypervisor belongs to someone else.
func OwnsName(prefix, name string) bool {
	rest, ok := strings.CutPrefix(name, prefix+"-s")
	if !ok {
		return false
	}
	slot, stamp, ok := strings.Cut(rest, "-")
	if !ok {
		return false
	}
	if _, err := strconv.Atoi(slot); err != nil {
		return false
	}
	if _, err := strconv.ParseInt(stamp, 10, 64); err != nil {
		return false
	}
	return true
}
