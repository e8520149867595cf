package broker

import (
	"github.com/google/uuid"

	"github.com/rnlschnell/AutoPrintFarm-sub002/internal/protocol"
)

// Command is an outbound frame with its correlation id, ready to dispatch.
type Command struct {
	ID    string
	Kind  string
	Frame *protocol.Message
}

func newCommand(kind string, build func(id string) any) (Command, error) {
	id := uuid.NewString()
	msg, err := protocol.NewMessage(kind, build(id))
	if err != nil {
		return Command{}, err
	}
	return Command{ID: id, Kind: kind, Frame: msg}, nil
}

// NewConfigurePrinter builds a configurePrinter command.
func NewConfigurePrinter(action string, printer protocol.PrinterDetails) (Command, error) {
	return newCommand(protocol.TypeConfigurePrinter, func(id string) any {
		return protocol.ConfigurePrinterPayload{CommandID: id, Action: action, Printer: printer}
	})
}

// NewPrintCommand builds a printCommand starting a job on a printer.
func NewPrintCommand(printerID, jobID, fileURL, fileName string) (Command, error) {
	return newCommand(protocol.TypePrintCommand, func(id string) any {
		return protocol.PrintCommandPayload{
			CommandID: id,
			PrinterID: printerID,
			JobID:     jobID,
			FileURL:   fileURL,
			FileName:  fileName,
		}
	})
}

// NewPrinterCommand builds a printerCommand (pause, resume, stop, ...).
func NewPrinterCommand(printerID, action string) (Command, error) {
	return newCommand(protocol.TypePrinterCommand, func(id string) any {
		return protocol.PrinterCommandPayload{CommandID: id, PrinterID: printerID, Action: action}
	})
}

// NewDiscoverPrinters builds a discoverPrinters command.
func NewDiscoverPrinters() (Command, error) {
	return newCommand(protocol.TypeDiscoverPrinters, func(id string) any {
		return protocol.DiscoverPrintersPayload{CommandID: id}
	})
}

// NewHubCommand builds a hubCommand (restart, GPIO control, ...).
func NewHubCommand(action string, gpioPin *int, gpioState *bool) (Command, error) {
	return newCommand(protocol.TypeHubCommand, func(id string) any {
		return protocol.HubCommandPayload{CommandID: id, Action: action, GPIOPin: gpioPin, GPIOState: gpioState}
	})
}

// NewHubConfig builds a hubConfig command.
func NewHubConfig(hubName string) (Command, error) {
	return newCommand(protocol.TypeHubConfig, func(id string) any {
		return protocol.HubConfigPayload{CommandID: id, HubName: hubName}
	})
}
