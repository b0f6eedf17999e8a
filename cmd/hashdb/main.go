// Command hashdb is the CLI front end over the core stores and
// managers (§6, external to the core proper): argument parsing,
// verb dispatch, and result formatting. Grounded on the teacher's
// command/ binaries — getoptions flag parsing, exitwithstatus for
// fatal messages and the process exit code, and a logger.Configuration
// set up the same way before any store is opened.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/getoptions"
	"github.com/bitmark-inc/logger"

	"github.com/dfrws/hashdb/hashdatastore"
	"github.com/dfrws/hashdb/jsonio"
	"github.com/dfrws/hashdb/manager"
	"github.com/dfrws/hashdb/scanserver"
	"github.com/dfrws/hashdb/settings"
	"github.com/dfrws/hashdb/util"
	"github.com/dfrws/hashdb/version"
	"github.com/dfrws/hashdb/zmqutil"
)

func main() {
	defer exitwithstatus.Handler()

	flags := []getoptions.Option{
		{Long: "help", HasArg: getoptions.NO_ARGUMENT, Short: 'h'},
		{Long: "verbose", HasArg: getoptions.NO_ARGUMENT, Short: 'v'},
		{Long: "version", HasArg: getoptions.NO_ARGUMENT, Short: 'V'},
		{Long: "block-size", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "sector-size", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "hash-prefix-bits", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "hash-suffix-bytes", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "hash-truncation", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "bloom", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "bloom-m-bits", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "bloom-k", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "max-duplicates", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "listen", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "public-key", HasArg: getoptions.REQUIRED_ARGUMENT},
		{Long: "private-key", HasArg: getoptions.REQUIRED_ARGUMENT},
	}

	program, options, arguments, err := getoptions.GetOS(flags)
	if nil != err {
		exitwithstatus.Message("%s: getoptions error: %v", program, err)
	}

	if len(options["version"]) > 0 {
		exitwithstatus.Message("%s: version: %s", program, version.Version)
	}

	if len(options["help"]) > 0 || len(arguments) == 0 {
		exitwithstatus.Message("usage: %s [options] verb arguments...\nverbs: create, import, import_json, export, export_json, add, add_multiple, intersect, subtract, deduplicate, scan, scan_hash, server, size, sources, histogram, duplicates, hash_table, expand_identified_blocks, explain_identified_blocks, rebuild_bloom, upgrade", program)
	}

	logging := logger.Configuration{
		Directory: ".",
		File:      "hashdb.log",
		Size:      1048576,
		Count:     10,
		Console:   len(options["verbose"]) > 0,
		Levels: map[string]string{
			logger.DefaultTag: "info",
		},
	}
	if err := logger.Initialise(logging); nil != err {
		exitwithstatus.Message("%s: logger setup failed with error: %v", program, err)
	}
	defer logger.Finalise()

	verb := arguments[0]
	rest := arguments[1:]

	var runErr error
	switch verb {
	case "create":
		runErr = cmdCreate(options, rest)
	case "import":
		runErr = fmt.Errorf("DFXML import is external to this program; use import_json")
	case "import_json":
		runErr = cmdImportJSON(rest)
	case "export":
		runErr = fmt.Errorf("DFXML export is external to this program; use export_json")
	case "export_json":
		runErr = cmdExportJSON(rest)
	case "add":
		runErr = cmdAdd(rest)
	case "add_multiple":
		runErr = cmdAddMultiple(rest)
	case "intersect":
		runErr = cmdIntersect(rest)
	case "subtract":
		runErr = cmdSubtract(rest)
	case "deduplicate":
		runErr = cmdDeduplicate(rest)
	case "scan":
		runErr = cmdScan(rest)
	case "scan_hash":
		runErr = cmdScanHash(rest)
	case "server":
		runErr = cmdServer(options, rest)
	case "size":
		runErr = cmdSize(rest)
	case "sources":
		runErr = cmdSources(rest)
	case "histogram":
		runErr = cmdHistogram(rest)
	case "duplicates":
		runErr = cmdDuplicates(rest)
	case "hash_table":
		runErr = cmdHashTable(rest)
	case "expand_identified_blocks":
		runErr = cmdExpandIdentifiedBlocks(rest)
	case "explain_identified_blocks":
		runErr = cmdExplainIdentifiedBlocks(rest)
	case "rebuild_bloom":
		runErr = cmdRebuildBloom(rest)
	case "upgrade":
		runErr = cmdUpgrade(rest)
	default:
		runErr = fmt.Errorf("unknown verb: %q", verb)
	}

	if runErr != nil {
		exitwithstatus.Message("%s: %s failed: %v", program, verb, runErr)
	}
}

func requireArgs(verb string, args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("%s requires %d argument(s)", verb, n)
	}
	return nil
}

func optUint(options map[string][]string, name string, def uint64) (uint64, error) {
	values := options[name]
	if len(values) == 0 {
		return def, nil
	}
	return strconv.ParseUint(values[0], 10, 64)
}

func cmdCreate(options map[string][]string, args []string) error {
	if err := requireArgs("create", args, 1); err != nil {
		return err
	}
	dir := util.EnsureAbsolute(".", args[0])

	s := settings.Default()
	var err error
	if s.HashBlockSize, err = optUint(options, "block-size", s.HashBlockSize); err != nil {
		return err
	}
	if s.SectorSize, err = optUint(options, "sector-size", s.SectorSize); err != nil {
		return err
	}
	if v, err := optUint(options, "hash-prefix-bits", uint64(s.HashPrefixBits)); err != nil {
		return err
	} else {
		s.HashPrefixBits = uint32(v)
	}
	if v, err := optUint(options, "hash-suffix-bytes", uint64(s.HashSuffixBytes)); err != nil {
		return err
	} else {
		s.HashSuffixBytes = uint32(v)
	}
	if v, err := optUint(options, "hash-truncation", uint64(s.HashTruncation)); err != nil {
		return err
	} else {
		s.HashTruncation = uint32(v)
	}
	if v, err := optUint(options, "bloom-m-bits", uint64(s.BloomMBits)); err != nil {
		return err
	} else {
		s.BloomMBits = uint32(v)
	}
	if v, err := optUint(options, "bloom-k", uint64(s.BloomK)); err != nil {
		return err
	} else {
		s.BloomK = uint32(v)
	}
	if v, err := optUint(options, "max-duplicates", uint64(s.MaxDuplicateSourceOffsetsPerHash)); err != nil {
		return err
	} else {
		s.MaxDuplicateSourceOffsetsPerHash = uint32(v)
	}
	if len(options["bloom"]) > 0 {
		s.BloomIsUsed = options["bloom"][0] != "no" && options["bloom"][0] != "false"
	}

	if err := settings.Create(dir, s); err != nil {
		return err
	}
	fmt.Printf("created %s\n", dir)
	return nil
}

func cmdImportJSON(args []string) error {
	if err := requireArgs("import_json", args, 2); err != nil {
		return err
	}
	dir, path := args[0], args[1]

	im, err := manager.OpenImportManager(dir)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	log := logger.New("import_json")
	if err := jsonio.Import(im, f, log); err != nil {
		return err
	}
	if err := im.Close("import_json", args); err != nil {
		return err
	}
	im.Changes().Report(os.Stdout)
	return nil
}

func cmdExportJSON(args []string) error {
	if err := requireArgs("export_json", args, 2); err != nil {
		return err
	}
	dir, path := args[0], args[1]

	sm, err := manager.OpenScanManager(dir)
	if err != nil {
		return err
	}
	defer sm.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return jsonio.Export(sm, f)
}

func cmdAdd(args []string) error {
	if err := requireArgs("add", args, 2); err != nil {
		return err
	}
	c, err := manager.Add(args[0], args[1], nil)
	if err != nil {
		return err
	}
	c.Report(os.Stdout)
	return nil
}

func cmdAddMultiple(args []string) error {
	if err := requireArgs("add_multiple", args, 3); err != nil {
		return err
	}
	c, err := manager.AddMultiple(args[0], args[1], args[2], nil)
	if err != nil {
		return err
	}
	c.Report(os.Stdout)
	return nil
}

func cmdIntersect(args []string) error {
	if err := requireArgs("intersect", args, 3); err != nil {
		return err
	}
	c, err := manager.Intersect(args[0], args[1], args[2], nil)
	if err != nil {
		return err
	}
	c.Report(os.Stdout)
	return nil
}

func cmdSubtract(args []string) error {
	if err := requireArgs("subtract", args, 3); err != nil {
		return err
	}
	c, err := manager.Subtract(args[0], args[1], args[2], nil)
	if err != nil {
		return err
	}
	c.Report(os.Stdout)
	return nil
}

func cmdDeduplicate(args []string) error {
	if err := requireArgs("deduplicate", args, 2); err != nil {
		return err
	}
	c, err := manager.Deduplicate(args[0], args[1], nil)
	if err != nil {
		return err
	}
	c.Report(os.Stdout)
	return nil
}

func decodeHashes(hexHashes []string) ([][]byte, error) {
	hashes := make([][]byte, len(hexHashes))
	for i, h := range hexHashes {
		decoded, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("hash %d: %w", i, err)
		}
		hashes[i] = decoded
	}
	return hashes, nil
}

func cmdScan(args []string) error {
	if err := requireArgs("scan", args, 1); err != nil {
		return err
	}
	dir := args[0]
	hashes, err := decodeHashes(args[1:])
	if err != nil {
		return err
	}

	sm, err := manager.OpenScanManager(dir)
	if err != nil {
		return err
	}
	defer sm.Close()

	matches, err := sm.Scan(hashes)
	if err != nil {
		return err
	}
	for i := range hashes {
		if count, found := matches[i]; found {
			fmt.Printf("%d\t%s\t%d\n", i, args[1+i], count)
		}
	}
	return nil
}

func cmdScanHash(args []string) error {
	if err := requireArgs("scan_hash", args, 2); err != nil {
		return err
	}
	dir := args[0]
	hash, err := hex.DecodeString(args[1])
	if err != nil {
		return err
	}

	sm, err := manager.OpenScanManager(dir)
	if err != nil {
		return err
	}
	defer sm.Close()

	matches, err := sm.FindExpandedHash(hash)
	if err != nil {
		return err
	}
	for _, m := range matches {
		names := make([]string, 0, len(m.Names))
		for _, n := range m.Names {
			names = append(names, n.RepositoryName+"/"+n.Filename)
		}
		fmt.Printf("source=%d offset_index=%d filesize=%d file_type=%s names=%s\n",
			m.SourceID, m.OffsetIndex, m.Filesize, m.FileType, strings.Join(names, ","))
	}
	return nil
}

func cmdServer(options map[string][]string, args []string) error {
	if err := requireArgs("server", args, 1); err != nil {
		return err
	}
	dir := args[0]
	listen := options["listen"]
	if len(listen) == 0 {
		listen = []string{"127.0.0.1:6000"}
	}

	var privateKey, publicKey []byte
	var err error
	if len(options["private-key"]) > 0 {
		if privateKey, err = zmqutil.ReadPrivateKey(options["private-key"][0]); err != nil {
			return err
		}
	}
	if len(options["public-key"]) > 0 {
		if publicKey, err = zmqutil.ReadPublicKey(options["public-key"][0]); err != nil {
			return err
		}
	}

	log := logger.New("scanserver")
	srv, err := scanserver.New(dir, listen, privateKey, publicKey, log)
	if err != nil {
		return err
	}
	srv.Start()
	fmt.Printf("listening on %s\n", strings.Join(listen, ", "))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-interrupt
	return srv.Stop()
}

func cmdSize(args []string) error {
	if err := requireArgs("size", args, 1); err != nil {
		return err
	}
	sm, err := manager.OpenScanManager(args[0])
	if err != nil {
		return err
	}
	defer sm.Close()

	sizes, err := sm.Size()
	if err != nil {
		return err
	}
	for _, name := range []string{"hash_store", "hash_data_store", "source_id_store", "source_data_store", "source_name_store"} {
		fmt.Printf("%s\t%d\n", name, sizes[name])
	}
	return nil
}

func cmdSources(args []string) error {
	if err := requireArgs("sources", args, 1); err != nil {
		return err
	}
	sm, err := manager.OpenScanManager(args[0])
	if err != nil {
		return err
	}
	defer sm.Close()

	sources, err := sm.Sources()
	if err != nil {
		return err
	}
	for _, s := range sources {
		fmt.Printf("%d\t%s\t%d\t%s\t%d\n", s.SourceID, hex.EncodeToString(s.FileHash), s.Filesize, s.FileType, s.NonprobativeCount)
	}
	return nil
}

func cmdHistogram(args []string) error {
	if err := requireArgs("histogram", args, 1); err != nil {
		return err
	}
	sm, err := manager.OpenScanManager(args[0])
	if err != nil {
		return err
	}
	defer sm.Close()

	entries, err := sm.Histogram()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%d\t%d\n", e.SourceID, e.Count)
	}
	return nil
}

func cmdDuplicates(args []string) error {
	if err := requireArgs("duplicates", args, 1); err != nil {
		return err
	}
	sm, err := manager.OpenScanManager(args[0])
	if err != nil {
		return err
	}
	defer sm.Close()

	records, err := sm.Duplicates()
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%s\t%d\n", hex.EncodeToString(r.HashKey), len(r.Entries))
	}
	return nil
}

func cmdHashTable(args []string) error {
	if err := requireArgs("hash_table", args, 1); err != nil {
		return err
	}
	sm, err := manager.OpenScanManager(args[0])
	if err != nil {
		return err
	}
	defer sm.Close()

	return sm.HashTable(func(r hashdatastore.Record) error {
		fmt.Printf("%s\t%d\n", hex.EncodeToString(r.HashKey), len(r.Entries))
		return nil
	})
}

func cmdExpandIdentifiedBlocks(args []string) error {
	if err := requireArgs("expand_identified_blocks", args, 2); err != nil {
		return err
	}
	return cmdScanHash(args)
}

func cmdExplainIdentifiedBlocks(args []string) error {
	if err := requireArgs("explain_identified_blocks", args, 2); err != nil {
		return err
	}
	dir := args[0]
	hashes, err := decodeHashes(args[1:])
	if err != nil {
		return err
	}

	sm, err := manager.OpenScanManager(dir)
	if err != nil {
		return err
	}
	defer sm.Close()

	out, err := sm.ExplainIdentifiedBlocks(hashes)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func cmdRebuildBloom(args []string) error {
	if err := requireArgs("rebuild_bloom", args, 1); err != nil {
		return err
	}
	return manager.RebuildBloom(args[0])
}

func cmdUpgrade(args []string) error {
	if err := requireArgs("upgrade", args, 1); err != nil {
		return err
	}
	return settings.Upgrade(args[0])
}
