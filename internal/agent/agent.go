// Package agent exports a BlueZ org.bluez.Agent1 pairing agent over the
// system D-Bus. The gateway runs unattended, so the reference policy is
// fixed-PIN plus auto-authorise: every pairing request is answered with the
// configured PIN/passkey and every service authorisation is granted.
package agent

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	bluezService     = "org.bluez"
	bluezManagerPath = dbus.ObjectPath("/org/bluez")
	managerInterface = "org.bluez.AgentManager1"
	agentInterface   = "org.bluez.Agent1"

	// AgentPath is where the agent object is exported.
	AgentPath = dbus.ObjectPath("/io/blegw/agent")

	// Capability advertised to BlueZ; KeyboardDisplay accepts every pairing
	// flow.
	capability = "KeyboardDisplay"
)

// Policy is the fixed answer set for pairing requests.
type Policy struct {
	PinCode string
	Passkey uint32
}

// Agent is the org.bluez.Agent1 implementation.
type Agent struct {
	policy Policy
	logger *logrus.Logger

	conn *dbus.Conn
}

// New creates an agent with the given policy.
func New(policy Policy, logger *logrus.Logger) *Agent {
	if logger == nil {
		logger = logrus.New()
	}
	if policy.PinCode == "" {
		policy.PinCode = "0000"
	}
	return &Agent{policy: policy, logger: logger}
}

// Register exports the agent on the system bus and installs it as the
// default BlueZ agent.
func (a *Agent) Register() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	if err := conn.Export(a, AgentPath, agentInterface); err != nil {
		return fmt.Errorf("export agent: %w", err)
	}

	manager := conn.Object(bluezService, bluezManagerPath)
	if call := manager.Call(managerInterface+".RegisterAgent", 0, AgentPath, capability); call.Err != nil {
		return fmt.Errorf("register agent: %w", call.Err)
	}
	if call := manager.Call(managerInterface+".RequestDefaultAgent", 0, AgentPath); call.Err != nil {
		return fmt.Errorf("request default agent: %w", call.Err)
	}

	a.conn = conn
	a.logger.WithField("path", string(AgentPath)).Info("Pairing agent registered")
	return nil
}

// Unregister removes the agent from BlueZ.
func (a *Agent) Unregister() error {
	if a.conn == nil {
		return nil
	}
	manager := a.conn.Object(bluezService, bluezManagerPath)
	call := manager.Call(managerInterface+".UnregisterAgent", 0, AgentPath)
	a.conn = nil
	return call.Err
}

// Release is called by BlueZ when the agent is replaced.
func (a *Agent) Release() *dbus.Error {
	a.logger.Info("Pairing agent released by BlueZ")
	return nil
}

// RequestPinCode answers legacy PIN pairing.
func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	a.logger.WithField("device", string(device)).Info("PIN code requested")
	return a.policy.PinCode, nil
}

// DisplayPinCode acknowledges a PIN the remote displays.
func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	a.logger.WithFields(logrus.Fields{
		"device": string(device),
		"pin":    pincode,
	}).Info("PIN code displayed")
	return nil
}

// RequestPasskey answers numeric passkey pairing.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	a.logger.WithField("device", string(device)).Info("Passkey requested")
	return a.policy.Passkey, nil
}

// DisplayPasskey acknowledges a passkey the remote displays.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	a.logger.WithFields(logrus.Fields{
		"device":  string(device),
		"passkey": passkey,
	}).Info("Passkey displayed")
	return nil
}

// RequestConfirmation auto-confirms numeric comparison.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	a.logger.WithFields(logrus.Fields{
		"device":  string(device),
		"passkey": passkey,
	}).Info("Pairing confirmation granted")
	return nil
}

// RequestAuthorization auto-authorises just-works pairing.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	a.logger.WithField("device", string(device)).Info("Pairing authorisation granted")
	return nil
}

// AuthorizeService auto-authorises service connections.
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	a.logger.WithFields(logrus.Fields{
		"device": string(device),
		"uuid":   uuid,
	}).Info("Service authorisation granted")
	return nil
}

// Cancel is called by BlueZ when a pending request is aborted.
func (a *Agent) Cancel() *dbus.Error {
	a.logger.Info("Pairing request cancelled by BlueZ")
	return nil
}
