package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arencloud/nservers/pkg/jump"
)

func newJumpCmd() *cobra.Command {
	var (
		key     string
		buckets int64
		text    bool
		hasher  string
	)
	cmd := &cobra.Command{
		Use:   "jump [KEY BUCKETS]",
		Short: "Print the bucket a key maps to",
		Example: `  nservers jump 42 10
  nservers jump --key 0xDEAD10CC --buckets 666
  nservers jump --text --hasher fnv1a user:42 3`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) >= 1 {
				key = args[0]
			}
			if len(args) == 2 {
				v, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("buckets %q is not an integer", args[1])
				}
				buckets = v
			}
			if key == "" {
				return errors.New("a key is required")
			}
			if buckets < 0 || buckets > math.MaxInt32 {
				return fmt.Errorf("buckets must be in [0, %d]", math.MaxInt32)
			}

			var b int64
			if text {
				h, err := jump.HasherByName(hasher)
				if err != nil {
					return err
				}
				b = jump.HashString(key, int32(buckets), h)
			} else {
				k, err := parseKey(key)
				if err != nil {
					return err
				}
				b = jump.Hash(k, int32(buckets))
			}
			fmt.Fprintln(cmd.OutOrStdout(), b)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&key, "key", "", "64-bit key, decimal or 0x hex (a string with --text)")
	f.Int64Var(&buckets, "buckets", 0, "number of buckets")
	f.BoolVar(&text, "text", false, "treat the key as a string and hash it first")
	f.StringVar(&hasher, "hasher", "xxhash", "string key hasher: xxhash or fnv1a")
	return cmd
}
