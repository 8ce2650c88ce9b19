package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "run":
		return runRun(args[1:])
	case "scan":
		return runScan(args[1:])
	case "work":
		return runWork(args[1:])
	case "status":
		return runStatus(args[1:])
	case "seed":
		return runSeed(args[1:])
	case "requeue":
		return runRequeue(args[1:])
	case "manage":
		return runManage(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("anipipe: remote animation-collection processing pipeline")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  anipipe doctor")
	fmt.Println("  anipipe run --bootstrap")
	fmt.Println("  anipipe status")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run      supervise: scan for stable folders and process the queue")
	fmt.Println("  scan     one-shot scan + enqueue, no workers")
	fmt.Println("  work     process the queue without scanning (--drain to exit when empty)")
	fmt.Println("  status   print queue and stability snapshot")
	fmt.Println("  seed     enqueue remote video paths from a list file")
	fmt.Println("  requeue  move a failed item back to pending (operator action)")
	fmt.Println("  manage   interactive queue manager")
	fmt.Println("  doctor   check external tools and working directories")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Configuration comes from ANIPIPE_* environment variables (.env is loaded)")
	fmt.Println("  - Use --json on status/scan for machine-readable output")
}
