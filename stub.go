package main

import "nucleusos/kernel/kmain"

var (
	multibootInfoPtr uintptr

	// uefiMMapPtr, uefiMMapDescCount and uefiMMapDescStride describe the
	// UEFI memory map snapshot the bootloader took just before calling
	// ExitBootServices. The stride is carried separately from the count
	// since firmware is free to report descriptors larger than the ones
	// this kernel was compiled against.
	uefiMMapPtr        uintptr
	uefiMMapDescCount  uintptr
	uefiMMapDescStride uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
func main() {
	kmain.Kmain(multibootInfoPtr, uefiMMapPtr, uefiMMapDescCount, uefiMMapDescStride)
}
