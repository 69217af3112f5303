// gobana prints the flows stored in a gob snapshot written by fg-engine.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"FlowGuard/internal/model"
	"FlowGuard/internal/snapshot"

	log "github.com/sirupsen/logrus"
)

func main() {
	dst := flag.String("dst", "", "Only print flows towards this destination")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: gobana [-dst addr] <path_to_flows.dat>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	flows, err := snapshot.ReadFlows(flag.Arg(0))
	if err != nil {
		log.Fatalf("Unable to read snapshot: %v", err)
	}

	if *dst != "" {
		addr, err := netip.ParseAddr(*dst)
		if err != nil {
			log.Fatalf("Invalid -dst '%s': %v", *dst, err)
		}
		kept := flows[:0]
		for _, f := range flows {
			if f.DstIP == addr.Unmap() {
				kept = append(kept, f)
			}
		}
		flows = kept
	}
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].DstIP != flows[j].DstIP {
			return flows[i].DstIP.Less(flows[j].DstIP)
		}
		return flows[i].SrcIP.Less(flows[j].SrcIP)
	})

	summary := snapshot.Summarize(model.Snapshot{Flows: flows})
	fmt.Printf("%d flow(s) to %d destination(s), %d packet(s), %d byte(s)\n\n",
		summary.TotalFlows, summary.Destinations, summary.TotalPackets, summary.TotalBytes)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DST\tSRC\tSPORT\tDPORT\tPROTO\tPACKETS\tBYTES\tLAST SEEN\tINJECTED")
	for _, f := range flows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%t\n",
			f.DstIP, f.SrcIP, f.SrcPort, f.DstPort, f.Protocol, f.Packets, f.Bytes,
			f.LastSeen.Format(time.RFC3339), f.Injected)
	}
	w.Flush()
}
