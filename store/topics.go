package store

import (
	"fmt"
	"strings"
)

// Topic kind discriminators. All topics are prefixed by "<scope>__".
const (
	// KindTelemetry carries decoded inbound packets
	KindTelemetry = "TELEMETRY"
	// KindCommand carries raw command echoes
	KindCommand = "COMMAND"
	// KindDecomCmd carries decommutated command echoes
	KindDecomCmd = "DECOMCMD"
	// KindCmdInterface routes lifecycle directives to one interface
	KindCmdInterface = "CMDINTERFACE"
	// KindCmd routes structured commands to one interface
	KindCmd = "CMD"
)

// separator joins topic components; the scope itself is opaque and never
// parsed
const separator = "__"

// Topic builds "<scope>__<kind>__<part>__..." topic names
func Topic(scope, kind string, parts ...string) string {
	elems := append([]string{scope, kind}, parts...)
	return strings.Join(elems, separator)
}

// TelemetryTopic names the telemetry output topic for a target/packet pair
func TelemetryTopic(scope, targetName, packetName string) string {
	return Topic(scope, KindTelemetry, targetName, packetName)
}

// CommandTopic names the raw command echo topic for a target/packet pair
func CommandTopic(scope, targetName, packetName string) string {
	return Topic(scope, KindCommand, targetName, packetName)
}

// DecomCmdTopic names the decommutated command topic for a target/packet
// pair
func DecomCmdTopic(scope, targetName, packetName string) string {
	return Topic(scope, KindDecomCmd, targetName, packetName)
}

// CmdInterfaceTopic names the lifecycle input topic for an interface
func CmdInterfaceTopic(scope, interfaceName string) string {
	return Topic(scope, KindCmdInterface, interfaceName)
}

// CmdTopic names the structured command input topic for an interface
func CmdTopic(scope, interfaceName string) string {
	return Topic(scope, KindCmd, interfaceName)
}

// IsCmdInterface reports whether a topic routes lifecycle directives
func IsCmdInterface(topic string) bool {
	return strings.Contains(topic, KindCmdInterface)
}

// SplitMicroserviceName splits a "<scope>__<kind>__<interface_name>"
// instance identity into its components
func SplitMicroserviceName(name string) (scope, kind, interfaceName string, err error) {
	parts := strings.Split(name, separator)
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("microservice name %q does not have the form <scope>__<kind>__<interface_name>", name)
	}
	return parts[0], parts[1], parts[2], nil
}
