package ui

import (
	"github.com/charmbracelet/bubbles/list"

	"github.com/desertthunder/waveline/internal/models"
)

var (
	_ list.Item = featureItem{}
	_ list.Item = pluginItem{}
)

// featureItem is a source manager or filter advertised by the node.
type featureItem struct {
	name string
	kind string
}

func (i featureItem) FilterValue() string { return i.name }
func (i featureItem) Title() string       { return i.name }
func (i featureItem) Description() string { return i.kind }

// pluginItem wraps [models.PluginInfo] to implement [list.Item].
type pluginItem struct {
	plugin models.PluginInfo
}

func (i pluginItem) FilterValue() string { return i.plugin.Name }
func (i pluginItem) Title() string       { return i.plugin.Name }
func (i pluginItem) Description() string { return "plugin • " + i.plugin.Version }

// infoItems lists the source managers, filters and plugins of info.
func infoItems(info *models.NodeInfo) []list.Item {
	items := make([]list.Item, 0, len(info.SourceManagers)+len(info.Filters)+len(info.Plugins))
	for _, s := range info.SourceManagers {
		items = append(items, featureItem{name: s, kind: "source"})
	}
	for _, f := range info.Filters {
		items = append(items, featureItem{name: f, kind: "filter"})
	}
	for _, p := range info.Plugins {
		items = append(items, pluginItem{plugin: p})
	}
	return items
}
