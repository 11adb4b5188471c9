package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/updateflow/internal/controllers"
	"github.com/RealZimboGuy/updateflow/internal/repository"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API users",
}

var (
	userName        string
	userPassword    string
	userAdmin       bool
	userPermissions []string
)

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user",
	Long: `Create adds a user that can log in to the update API.

Examples:
  updateflow user create --username admin --password secret --admin
  updateflow user create --username ops --password secret --permission utility:updates`,
	RunE: runUserCreate,
}

func init() {
	userCreateCmd.Flags().StringVar(&userName, "username", "", "login name")
	userCreateCmd.Flags().StringVar(&userPassword, "password", "", "password")
	userCreateCmd.Flags().BoolVar(&userAdmin, "admin", false, "grant every permission")
	userCreateCmd.Flags().StringSliceVar(&userPermissions, "permission", nil, "permission to grant, repeatable")
	_ = userCreateCmd.MarkFlagRequired("username")
	_ = userCreateCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userCreateCmd)
}

func runUserCreate(_ *cobra.Command, _ []string) error {
	if strings.TrimSpace(userName) == "" || userPassword == "" {
		return errors.New("username and password are required")
	}
	db, err := updateflow.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	users := repository.NewUserRepository(db.DB, core.NewRealClock())
	if existing, err := users.FindByUsername(userName); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("user %q already exists", userName)
	}
	user, err := controllers.NewUser(models.CreateUserRequest{
		Username:    userName,
		Password:    userPassword,
		Admin:       userAdmin,
		Permissions: strings.Join(userPermissions, ","),
	})
	if err != nil {
		return err
	}
	id, err := users.Save(user)
	if err != nil {
		return err
	}
	fmt.Printf("Created user %s (id %d).\n", user.Username, id)
	return nil
}
