package policy

import (
	"runtime"
	"strings"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// DefaultMinUserUID is the first UID handed to regular users on most Unix systems.
const DefaultMinUserUID = 1000

var systemProcessNames = map[string][]string{
	"linux": {
		"init", "systemd", "systemd-journald", "systemd-logind", "systemd-udevd",
		"systemd-resolved", "systemd-timesyncd", "kthreadd", "dbus-daemon", "dbus-broker",
		"xorg", "xwayland", "gnome-shell", "plasmashell", "kwin_x11", "kwin_wayland",
		"mutter", "xfwm4", "xfdesktop", "gdm", "gdm-x-session", "lightdm", "sddm",
		"pulseaudio", "pipewire", "pipewire-pulse", "wireplumber", "polkitd",
		"networkmanager", "at-spi-bus-launcher", "at-spi2-registryd", "gvfsd",
		"ibus-daemon", "xdg-desktop-portal", "cron", "sshd",
	},
	"windows": {
		"system", "idle", "registry", "smss", "csrss", "wininit", "winlogon", "services",
		"lsass", "svchost", "dwm", "explorer", "fontdrvhost", "sihost", "taskhostw",
		"runtimebroker", "ctfmon", "searchhost", "startmenuexperiencehost",
		"shellexperiencehost", "conhost", "spoolsv", "audiodg",
	},
	"darwin": {
		"kernel_task", "launchd", "windowserver", "loginwindow", "dock", "systemuiserver",
		"finder", "controlcenter", "notificationcenter", "coreaudiod",
	},
}

var systemAccounts = []string{"nt authority\\system", "nt authority\\local service", "nt authority\\network service"}

// SystemApps classifies processes as system or user applications.
type SystemApps struct {
	names      map[string]struct{}
	minUserUID int
}

// NewSystemApps creates a classifier with the system process list of the running OS.
func NewSystemApps() *SystemApps {
	return NewSystemAppsFor(runtime.GOOS)
}

// NewSystemAppsFor creates a classifier for a specific GOOS (for testing).
func NewSystemAppsFor(goos string) *SystemApps {
	s := &SystemApps{
		names:      make(map[string]struct{}),
		minUserUID: DefaultMinUserUID,
	}
	for _, n := range systemProcessNames[goos] {
		s.names[n] = struct{}{}
	}
	return s
}

// IsSystem reports whether a process table entry belongs to the OS rather than the user.
func (s *SystemApps) IsSystem(e domain.ProcessEntry) bool {
	if e.NoExecutable {
		return true
	}
	if e.UID >= 0 && e.UID < s.minUserUID {
		return true
	}
	user := strings.ToLower(e.Username)
	for _, acct := range systemAccounts {
		if user == acct {
			return true
		}
	}
	return s.IsSystemName(e.Name) || (e.Exe != "" && s.IsSystemName(e.Exe))
}

// IsSystemName reports whether a process or executable name is on the system list.
func (s *SystemApps) IsSystemName(name string) bool {
	keys := processKeys(name)
	if len(keys) == 0 {
		return false
	}
	_, ok := s.names[keys[0]]
	return ok
}
