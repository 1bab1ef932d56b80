package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcap/pkg/audio/wav"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE.wav",
		Short: "Print the format, data length and duration of a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			h, err := wav.ReadHeader(f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			info, err := f.Stat()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "file:        %s\n", path)
			fmt.Fprintf(out, "format:      PCM %d Hz, %d ch, %d bit\n", h.SampleRate, h.NumChannels, h.BitsPerSample)
			fmt.Fprintf(out, "data bytes:  %d\n", h.DataSize)
			fmt.Fprintf(out, "riff size:   %d\n", h.ChunkSize)
			fmt.Fprintf(out, "duration:    %s\n", h.Duration())

			if want := int64(wav.HeaderSize) + int64(h.DataSize); info.Size() != want {
				return fmt.Errorf("%s: file is %d bytes, header declares %d: %w", path, info.Size(), want, wav.ErrInvalidHeader)
			}
			return nil
		},
	}
}
