package actions

import (
	"context"
	"fmt"
	"strings"
)

// Channel is a named Nix channel subscription.
type Channel struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// PlaceChannelConfiguration writes the channel list read by nix-channel,
// one `url name` line per channel.
type PlaceChannelConfiguration struct {
	Channels []Channel  `json:"channels"`
	File     CreateFile `json:"file"`
}

// PlanPlaceChannelConfiguration plans the channel file at path.
func PlanPlaceChannelConfiguration(path string, channels []Channel, force bool) (*PlaceChannelConfiguration, error) {
	var b strings.Builder
	for _, c := range channels {
		fmt.Fprintf(&b, "%s %s\n", c.URL, c.Name)
	}
	file, err := PlanCreateFile(path, "", "", 0o664, b.String(), force)
	if err != nil {
		return nil, err
	}
	return &PlaceChannelConfiguration{Channels: channels, File: *file}, nil
}

func (a *PlaceChannelConfiguration) Kind() Kind { return KindPlaceChannelConfiguration }

func (a *PlaceChannelConfiguration) isAction() {}

func (a *PlaceChannelConfiguration) Describe() []Description {
	explanation := []string{"This file is read by `nix-channel` to find the default channels"}
	for _, c := range a.Channels {
		explanation = append(explanation, fmt.Sprintf("Add channel `%s` at `%s`", c.Name, c.URL))
	}
	return []Description{NewDescription(
		fmt.Sprintf("Place a channel configuration at `%s`", a.File.Path),
		explanation...,
	)}
}

func (a *PlaceChannelConfiguration) Execute(ctx context.Context) (Receipt, error) {
	receipt, err := a.File.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return &PlaceChannelConfigurationReceipt{File: *receipt.(*CreateFileReceipt)}, nil
}

// PlaceChannelConfigurationReceipt restores the channel file.
type PlaceChannelConfigurationReceipt struct {
	File CreateFileReceipt `json:"file"`
}

func (r *PlaceChannelConfigurationReceipt) Kind() Kind { return KindPlaceChannelConfiguration }

func (r *PlaceChannelConfigurationReceipt) isReceipt() {}

func (r *PlaceChannelConfigurationReceipt) Describe() []Description {
	return []Description{NewDescription(
		fmt.Sprintf("Remove the channel configuration at `%s`", r.File.Path),
		r.File.Describe()[0].Title,
	)}
}

func (r *PlaceChannelConfigurationReceipt) Revert(ctx context.Context) error {
	return r.File.Revert(ctx)
}
