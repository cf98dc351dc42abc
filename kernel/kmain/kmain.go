package kmain

import (
	"unsafe"

	"nucleusos/kernel"
	"nucleusos/kernel/goruntime"
	"nucleusos/kernel/hal"
	"nucleusos/kernel/hal/multiboot"
	"nucleusos/kernel/hal/uefi"
	"nucleusos/kernel/mem/pmm/allocator"
	"nucleusos/kernel/mem/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// rbSentinel backs the physical frame allocator's red-black tree
	// sentinel node. It lives in the kernel image's own .bss, which the
	// firmware reports as loader-owned memory and which the allocator
	// therefore never considers part of its managed pool.
	rbSentinel [32]byte
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader (used only for framebuffer handover) together with the
// firmware-supplied UEFI memory map: its base address, descriptor count and
// per-descriptor stride, captured just before the bootloader called
// ExitBootServices.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, uefiMMapPtr, uefiMMapDescCount, uefiMMapDescStride uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	mmap := uefi.New(uefiMMapPtr, int(uefiMMapDescCount), uefiMMapDescStride)
	sentinelAddr := uintptr(unsafe.Pointer(&rbSentinel[0]))

	var err *kernel.Error
	if err = allocator.Init(mmap, sentinelAddr); err != nil {
		panic(err)
	}

	vmm.SetFrameAllocator(allocator.AllocFrame)

	if err = vmm.Init(); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
