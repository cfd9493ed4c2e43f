// Copyright 2025 go-dataspace
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package processes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/fatih/color"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/internal/ui"
	"github.com/google/uuid"
)

func listProcesses(
	ctx context.Context, store persistence.StorageProvider, asJSON bool, state string,
) error {
	negotiations, transfers, err := fetchProcesses(ctx, store, state)
	if err != nil {
		return err
	}

	if asJSON {
		out := map[string]any{
			"negotiations": wireNegotiations(negotiations),
			"transfers":    wireTransfers(transfers),
		}
		return pprintJSON(out)
	}

	for _, negotiation := range negotiations {
		printNegotiation(negotiation)
		fmt.Println("") //nolint:forbidigo
	}
	for _, request := range transfers {
		printTransfer(request)
		fmt.Println("") //nolint:forbidigo
	}
	return nil
}

// fetchProcesses lists negotiations and transfers, optionally narrowed to a
// single state. A state that only exists in one of the two domains simply
// matches nothing in the other.
func fetchProcesses(
	ctx context.Context, store persistence.StorageProvider, state string,
) ([]*contract.Negotiation, []*transfer.Request, error) {
	if state == "" {
		negotiations, err := store.GetContracts(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("couldn't list negotiations: %w", err)
		}
		transfers, err := store.GetTransfers(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("couldn't list transfers: %w", err)
		}
		return negotiations, transfers, nil
	}

	var negotiations []*contract.Negotiation
	var transfers []*transfer.Request
	contractState, contractErr := contract.ParseState(state)
	transferState, transferErr := transfer.ParseState(state)
	if contractErr != nil && transferErr != nil {
		return nil, nil, fmt.Errorf("unknown state %s", state)
	}
	if contractErr == nil {
		var err error
		negotiations, err = store.GetContractsByState(ctx, contractState)
		if err != nil {
			return nil, nil, fmt.Errorf("couldn't list negotiations: %w", err)
		}
	}
	if transferErr == nil {
		var err error
		transfers, err = store.GetTransfersByState(ctx, transferState)
		if err != nil {
			return nil, nil, fmt.Errorf("couldn't list transfers: %w", err)
		}
	}
	return negotiations, transfers, nil
}

// showProcess looks the PID up as a negotiation and as a transfer, under
// both roles, and prints whatever matches.
func showProcess(
	ctx context.Context, store persistence.StorageProvider, pid uuid.UUID,
) error {
	for _, role := range []constants.DataspaceRole{
		constants.DataspaceConsumer, constants.DataspaceProvider,
	} {
		if negotiation, err := store.GetContractR(ctx, pid, role); err == nil {
			return pprintJSON(negotiation.GetContractNegotiation())
		}
		if request, err := store.GetTransferR(ctx, pid, role); err == nil {
			return pprintJSON(request.GetTransferProcess())
		}
	}
	return fmt.Errorf("no process found with PID %s", pid)
}

func wireNegotiations(negotiations []*contract.Negotiation) []any {
	out := make([]any, 0, len(negotiations))
	for _, n := range negotiations {
		out = append(out, n.GetContractNegotiation())
	}
	return out
}

func wireTransfers(transfers []*transfer.Request) []any {
	out := make([]any, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, t.GetTransferProcess())
	}
	return out
}

func pprintJSON[T any](o T) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("could not marshal processes: %w", err)
	}
	var buf bytes.Buffer
	err = json.Indent(&buf, b, "", "  ")
	if err != nil {
		return fmt.Errorf("could not indent JSON: %w", err)
	}
	if noColour {
		ui.Print(buf.String())
		return nil
	}
	return quick.Highlight(os.Stdout, buf.String(), "json", "terminal256", "catppuccin-mocha")
}

func printNegotiation(negotiation *contract.Negotiation) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	bold := color.New(color.Bold)
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Type"), "Contract negotiation")
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Provider PID"), negotiation.GetProviderPID())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Consumer PID"), negotiation.GetConsumerPID())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Role"), negotiation.GetRole())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("State"), negotiation.GetState())
	fmt.Fprintf(w, "%s\t%d\n", bold.Sprint("Offers"), negotiation.OfferCount())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Callback"), negotiation.GetCallback())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Self"), negotiation.GetSelf())
	if reason := negotiation.GetTerminationReason(); reason != "" {
		fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Termination reason"), reason)
	}
	w.Flush()
}

func printTransfer(request *transfer.Request) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	bold := color.New(color.Bold)
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Type"), "Transfer")
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Provider PID"), request.GetProviderPID())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Consumer PID"), request.GetConsumerPID())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Role"), request.GetRole())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("State"), request.GetState())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Agreement"), request.GetAgreementID())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Format"), request.GetFormat())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Direction"), request.GetTransferDirection())
	fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Callback"), request.GetCallback())
	if reason := request.GetTerminationReason(); reason != "" {
		fmt.Fprintf(w, "%s\t%s\n", bold.Sprint("Termination reason"), reason)
	}
	w.Flush()
}
