// Package secret holds decrypted key material in a buffer that is zeroed on
// Close.
//
// On Linux the backing memory is an anonymous mmap region outside the Go heap,
// locked against swap (mlock) and excluded from core dumps (MADV_DONTDUMP), so
// the garbage collector never copies it. When the kernel refuses the lock
// (typically RLIMIT_MEMLOCK in containers) the buffer degrades to a heap slice
// that is still zeroed on Close; Locked reports which mode is in effect.
//
// Callers pair every constructor with a deferred Close. Close is idempotent.
package secret
