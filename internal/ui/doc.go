// Package ui implements the `waveline top` dashboard using bubbletea's Elm architecture.
//
// The TUI has two views, switched with tab:
//  1. [OverviewView] : players, uptime, memory, cpu load gauges and frame stats
//  2. [FeaturesView] : source managers, filters and plugins advertised by /v4/info
//
// The (view) [Model] implements bubbletea/Elm's standard Init/Update/View pattern, receiving messages via the Msg union type.
// Stats are polled on an interval with tea.Tick; r refreshes immediately and q quits.
package ui
