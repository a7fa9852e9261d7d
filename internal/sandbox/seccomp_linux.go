package sandbox

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/docker/docker/profiles/seccomp"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// Syscalls removed from the engine's default allow list. The default
// profile denies anything it does not name, so this only narrows it.
var deniedSyscalls = []string{
	"kcmp", "name_to_handle_at", "pidfd_getfd", "process_madvise",
	"process_vm_readv", "process_vm_writev", "ptrace",
	"get_mempolicy", "mbind", "set_mempolicy", "set_mempolicy_home_node",
}

var seccompOnce = sync.OnceValue(func() string {
	data, err := json.Marshal(restrictProfile(seccomp.DefaultProfile(), deniedSyscalls))
	if err != nil {
		panic(err)
	}
	return string(data)
})

// restrictProfile strips deny from every allow rule of p and drops rules
// left without names.
func restrictProfile(p *seccomp.Seccomp, deny []string) *seccomp.Seccomp {
	rules := make([]*seccomp.Syscall, 0, len(p.Syscalls))
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			rule.Names = slices.DeleteFunc(rule.Names, func(name string) bool {
				return slices.Contains(deny, name)
			})
			if len(rule.Names) == 0 && rule.Name == "" {
				continue
			}
		}
		rules = append(rules, rule)
	}
	p.Syscalls = rules
	return p
}

// SeccompProfile returns the JSON profile passed to the engine.
func SeccompProfile() string {
	return seccompOnce()
}
