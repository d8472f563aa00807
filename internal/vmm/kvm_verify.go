package vmm

import (
	"fmt"
	"os"
	"path/filepath"
)

// Verify checks that the kvm and socat binaries exist.
func (k *KVM) Verify() string {
	if _, err := os.Stat(k.cfg.KVMPath); err != nil {
		return fmt.Sprintf("The kvm binary ('%s') does not exist.", k.cfg.KVMPath)
	}
	if _, err := os.Stat(k.cfg.SocatPath); err != nil {
		return fmt.Sprintf("The socat binary ('%s') does not exist.", k.cfg.SocatPath)
	}
	return ""
}

// VerifyBridges returns the bridges with no matching host link.
func (k *KVM) VerifyBridges(bridges []string) []string {
	var missing []string
	for _, b := range bridges {
		if err := k.linkByName(b); err != nil {
			k.log.WithField("bridge", b).Debugf("link lookup: %v", err)
			missing = append(missing, b)
		}
	}
	return missing
}

// CheckParameterSyntax checks the kernel path is set and both paths are
// absolute. It does not look at the filesystem.
func (k *KVM) CheckParameterSyntax(p HVParams) error {
	if p.KernelPath == "" {
		return errorf(KindConfiguration, "", nil, "the kernel path must be specified")
	}
	if !filepath.IsAbs(p.KernelPath) {
		return errorf(KindConfiguration, "", nil, "the kernel path must be an absolute path, got %q", p.KernelPath)
	}
	if p.InitrdPath != "" && !filepath.IsAbs(p.InitrdPath) {
		return errorf(KindConfiguration, "", nil, "the initrd path must be an absolute path, got %q", p.InitrdPath)
	}
	return nil
}

// ValidateParameters runs CheckParameterSyntax and then requires the kernel
// and initrd to be regular files on this node.
func (k *KVM) ValidateParameters(p HVParams) error {
	if err := k.CheckParameterSyntax(p); err != nil {
		return err
	}
	if err := regularFile(p.KernelPath); err != nil {
		return errorf(KindConfiguration, "", err, "kernel path %q", p.KernelPath)
	}
	if p.InitrdPath != "" {
		if err := regularFile(p.InitrdPath); err != nil {
			return errorf(KindConfiguration, "", err, "initrd path %q", p.InitrdPath)
		}
	}
	return nil
}

func regularFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	return nil
}
