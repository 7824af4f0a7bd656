/*
Package kmem provides the assembled allocator system: frame bitmap,
buddy page allocator, slab object caches, and the generic size-class
allocator, brought up in dependency order over one managed arena.

# Quick Start

Bring up a 64 MiB machine and allocate:

	sys, err := kmem.New(nil)
	if err != nil {
	    log.Fatal(err)
	}
	defer sys.Close()

	addr, err := sys.Allocate(4096)
	if err != nil {
	    log.Fatal(err)
	}
	err = sys.Free(addr)

# Typed Allocation

Charge allocations to a named category for accounting:

	inode := sys.RegisterTag("inode")
	addr, err := sys.AllocateTagged(256, inode)
	...
	err = sys.FreeTagged(addr, inode)

	for _, ts := range sys.Stats().Tags {
	    fmt.Printf("%-12s %d bytes live (peak %d)\n", ts.Name, ts.ActiveBytes, ts.PeakBytes)
	}

# Dedicated Caches

Heavily allocated fixed-size objects deserve their own cache:

	tasks, err := sys.NewCache("task_struct", 512, slab.CacheConfig{})
	addr, err := tasks.Alloc()
	tasks.Free(addr)

# Corruption Handling

Out-of-memory and caller misuse never panic. Metadata corruption is
surfaced through an optional hook before the error returns:

	sys, err := kmem.New(&kmem.Options{
	    OnCorruption: func(err error) {
	        log.Fatalf("allocator state corrupt: %v", err)
	    },
	})
*/
package kmem
