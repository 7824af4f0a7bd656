package main

import (
	"fmt"
	"math/rand"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/pkg/kmem"
	"github.com/spf13/cobra"
)

var (
	soakOps         int
	soakSeed        int64
	soakArenaMiB    uint64
	soakMaxKiB      uint64
	soakVerifyEvery int
)

func init() {
	cmd := newSoakCmd()
	cmd.Flags().IntVar(&soakOps, "ops", 50000, "Operations to run")
	cmd.Flags().Int64Var(&soakSeed, "seed", 1, "Random seed")
	cmd.Flags().Uint64Var(&soakArenaMiB, "arena", 128, "Arena size in MiB")
	cmd.Flags().Uint64Var(&soakMaxKiB, "max-size", 64, "Largest request in KiB")
	cmd.Flags().IntVar(&soakVerifyEvery, "verify-every", 1000, "Run invariant checks every N operations (0 = only at the end)")
	rootCmd.AddCommand(cmd)
}

func newSoakCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "soak",
		Short: "Randomized alloc/free churn with invariant verification",
		Long: `The soak command runs a seeded random mix of allocate, free, and
reallocate operations and verifies every layer's invariants along the
way. It exits non-zero on the first violation.

Example:
  memctl soak
  memctl soak --ops 1000000 --seed 42 --verify-every 10000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSoak()
		},
	}
}

func runSoak() error {
	sys, err := kmem.New(&kmem.Options{ArenaSize: soakArenaMiB << 20})
	if err != nil {
		return fmt.Errorf("bring-up failed: %w", err)
	}
	defer sys.Close()

	rng := rand.New(rand.NewSource(soakSeed))
	var live []mem.PhysAddr
	maxBytes := soakMaxKiB << 10

	printInfo("soak: %d ops, seed %d, arena %d MiB, requests up to %d KiB\n",
		soakOps, soakSeed, soakArenaMiB, soakMaxKiB)

	for i := 0; i < soakOps; i++ {
		switch {
		case len(live) > 0 && rng.Intn(5) < 2:
			j := rng.Intn(len(live))
			if err := sys.Free(live[j]); err != nil {
				return fmt.Errorf("op %d: free %#x: %w", i, uint64(live[j]), err)
			}
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]

		case len(live) > 0 && rng.Intn(20) == 0:
			j := rng.Intn(len(live))
			size := uint64(1 + rng.Int63n(int64(maxBytes)))
			next, rerr := sys.Reallocate(live[j], size)
			if rerr != nil {
				return fmt.Errorf("op %d: realloc %#x to %d: %w", i, uint64(live[j]), size, rerr)
			}
			live[j] = next

		default:
			size := uint64(1 + rng.Int63n(int64(maxBytes)))
			addr, aerr := sys.Allocate(size)
			if aerr != nil {
				// The arena can genuinely fill up; shed half the live
				// set and keep churning.
				printVerbose("op %d: out of memory at %d live, shedding\n", i, len(live))
				target := len(live) / 2
				for len(live) > target {
					if ferr := sys.Free(live[len(live)-1]); ferr != nil {
						return ferr
					}
					live = live[:len(live)-1]
				}
				continue
			}
			live = append(live, addr)
		}

		if soakVerifyEvery > 0 && i%soakVerifyEvery == 0 {
			if verr := sys.CheckIntegrity(); verr != nil {
				return fmt.Errorf("op %d: %w", i, verr)
			}
		}
	}

	for _, addr := range live {
		if err := sys.Free(addr); err != nil {
			return err
		}
	}
	if err := sys.CheckIntegrity(); err != nil {
		return fmt.Errorf("final check: %w", err)
	}

	st := sys.Stats()
	if jsonOut {
		return printJSON(st)
	}
	printInfo("soak passed\n%s", st.Summary())
	return nil
}
