package xsk

import "os"

// capabilityCheck approximates CAP_NET_RAW in the creator's user namespace
// (see xsk_create in the kernel driver this package's lifecycle is modeled
// on) with an effective UID of zero, since no capability-querying library
// appears anywhere in the retrieval pack. Overridable in tests.
var capabilityCheck = func() bool { return os.Geteuid() == 0 }

// HasRawPacketCapability reports whether Create is currently permitted.
func HasRawPacketCapability() bool { return capabilityCheck() }
