package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/xfeldman/kvmnode/internal/vmm"
)

// instanceFile is the TOML document kvmctl reads instance definitions from.
type instanceFile struct {
	Instance vmm.Instance      `toml:"instance"`
	Disks    []vmm.BlockDevice `toml:"disks"`
}

func loadInstanceFile(path string) (*instanceFile, error) {
	var f instanceFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("read instance file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("instance file %s: unknown key %s", path, undecoded[0])
	}
	if f.Instance.Name == "" {
		return nil, fmt.Errorf("instance file %s: instance.name is required", path)
	}
	return &f, nil
}

// instanceArg resolves a command argument to an instance. An existing file
// is read as an instance file; anything else is a bare name, refused when
// needFile is set.
func instanceArg(arg string, needFile bool) (*vmm.Instance, error) {
	if fi, err := os.Stat(arg); err == nil && fi.Mode().IsRegular() {
		f, err := loadInstanceFile(arg)
		if err != nil {
			return nil, err
		}
		return &f.Instance, nil
	}
	if needFile {
		return nil, fmt.Errorf("%s: instance file required", arg)
	}
	return &vmm.Instance{Name: arg}, nil
}
