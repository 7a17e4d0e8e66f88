package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localfirst/todosync/internal/store"
	"github.com/localfirst/todosync/internal/todo"
)

// cmdContext is the context for one-shot CLI operations.
func cmdContext() context.Context {
	return context.Background()
}

var addDescription string

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a new todo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _, cleanup, err := openRepository()
		if err != nil {
			return err
		}
		defer cleanup()

		t, err := repo.Create(cmdContext(), args[0], addDescription)
		if err != nil {
			var verr *todo.ValidationError
			if errors.As(err, &verr) {
				return fmt.Errorf("%s", verr.Error())
			}
			return err
		}

		fmt.Printf("Added %s\n", renderID(t.ID))
		return nil
	},
}

var (
	listCompleted bool
	listActive    bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List todos, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _, cleanup, err := openRepository()
		if err != nil {
			return err
		}
		defer cleanup()

		var todos []todo.Todo
		switch {
		case listCompleted:
			todos, err = repo.GetByStatus(cmdContext(), true)
		case listActive:
			todos, err = repo.GetByStatus(cmdContext(), false)
		default:
			todos, err = repo.GetAll(cmdContext())
		}
		if err != nil {
			return err
		}

		if len(todos) == 0 {
			fmt.Println("No todos.")
			return nil
		}

		for _, t := range todos {
			fmt.Println(renderTodoLine(t))
		}
		return nil
	},
}

var doneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Toggle a todo's completion status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _, cleanup, err := openRepository()
		if err != nil {
			return err
		}
		defer cleanup()

		t, err := repo.ToggleComplete(cmdContext(), args[0])
		if err != nil {
			return describeStoreErr(err, args[0])
		}

		if t.Completed {
			fmt.Printf("Completed %s\n", renderID(t.ID))
		} else {
			fmt.Printf("Reopened %s\n", renderID(t.ID))
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a todo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _, cleanup, err := openRepository()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := repo.Delete(cmdContext(), args[0]); err != nil {
			return describeStoreErr(err, args[0])
		}

		fmt.Printf("Deleted %s\n", renderID(args[0]))
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all completed todos",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _, cleanup, err := openRepository()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := repo.DeleteCompleted(cmdContext())
		if err != nil {
			return err
		}

		fmt.Printf("Removed %d completed todo(s)\n", n)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a todo in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _, cleanup, err := openRepository()
		if err != nil {
			return err
		}
		defer cleanup()

		t, err := repo.GetByID(cmdContext(), args[0])
		if err != nil {
			return describeStoreErr(err, args[0])
		}

		fmt.Print(renderTodoDetail(t))
		return nil
	},
}

// describeStoreErr turns store errors into actionable CLI messages.
func describeStoreErr(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("no todo with id %s", id)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("todo %s changed concurrently (possibly via sync); please retry", id)
	default:
		return err
	}
}

func init() {
	addCmd.Flags().StringVarP(&addDescription, "description", "d", "", "optional description")
	listCmd.Flags().BoolVar(&listCompleted, "completed", false, "only completed todos")
	listCmd.Flags().BoolVar(&listActive, "active", false, "only active todos")
	listCmd.MarkFlagsMutuallyExclusive("completed", "active")

	rootCmd.AddCommand(addCmd, listCmd, doneCmd, rmCmd, clearCmd, showCmd)
}
