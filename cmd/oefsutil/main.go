// Command oefsutil drives the block-device pipeline and OEFS filesystem
// from outside an enclave: format and inspect a backing image, load a CPIO
// fixture into it, list and dump files, and bridge it to a real kernel
// mountpoint via internal/kernelfs. It plays the role cmd/distri plays for
// the distri package store: a single verb-dispatching binary standing in
// front of the library packages that do the actual work.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	openenclave "github.com/9176324/openenclave"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cmd struct {
	fn    func(ctx context.Context, args []string) error
	usage string
}

func run() error {
	verbs := map[string]cmd{
		"mkfs":  {cmdMkfs, "mkfs -flags=mkfs[,caching,...] -blocks=N [-seed=archive.cpio] <image>"},
		"fsck":  {cmdFsck, "fsck -flags=... <image>"},
		"ls":    {cmdLs, "ls -flags=... <image> <path>"},
		"cat":   {cmdCat, "cat -flags=... <image> <path>"},
		"mount": {cmdMount, "mount -flags=... <image> <mountpoint>"},
	}

	args := os.Args[1:]
	if len(args) == 0 {
		return printUsage(verbs)
	}
	verb, rest := args[0], args[1:]
	if verb == "help" || verb == "-h" || verb == "-help" {
		return printUsage(verbs)
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "oefsutil: unknown command %q\n", verb)
		return printUsage(verbs)
	}

	ctx, canc := openenclave.InterruptibleContext()
	defer canc()

	if err := v.fn(ctx, rest); err != nil {
		return err
	}
	return openenclave.RunAtExit()
}

func printUsage(verbs map[string]cmd) error {
	fmt.Fprintf(os.Stderr, "usage: oefsutil <command> [options] <args>\n\ncommands:\n")
	for name, v := range verbs {
		fmt.Fprintf(os.Stderr, "\t%s\n", v.usage)
		_ = name
	}
	os.Exit(2)
	return nil
}

// flagSet builds a per-verb flag.FlagSet carrying the mount-flag vocabulary
// every verb accepts (mkfs always adds mkfs; fsck, ls and cat drop it),
// so a caller can e.g. "fsck" an image
// that was formatted with -flags=integrity,caching.
func flagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	flags := fs.String("flags", "none", "comma-separated mount flags: mkfs,crypto,auth_crypto,integrity,caching")
	return fs, flags
}
