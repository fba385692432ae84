/*
Package cli provides command-line utilities shared by the helios
command: output formatters, error types, and signal handling.

Output Formatting:

Query subcommands support text and JSON output:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, result); err != nil {
		return err
	}

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx := cli.SetupSignalHandler()
	return srv.Start(ctx)
*/
package cli
