//go:build windows

package supervisor

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func defaultTerminator() Terminator {
	return TreeKillTerminator{}
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}
