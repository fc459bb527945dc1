package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tcmartin/crewrunner/pkg/services"
)

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Provider API key management",
	}

	keys.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored keys, masked",
			Run: func(cmd *cobra.Command, args []string) {
				var infos []services.APIKeyInfo
				exitOnError(call(http.MethodGet, "/api/auth/api-keys", nil, &infos))
				for _, info := range infos {
					masked := info.MaskedKey
					if masked == "" {
						masked = "(not set)"
					}
					fmt.Printf("%-10s %s\n", info.Provider, masked)
				}
			},
		},
		&cobra.Command{
			Use:   "set [provider] [api-key]",
			Short: "Store a provider key; reads stdin when the key is omitted",
			Args:  cobra.RangeArgs(1, 2),
			Run: func(cmd *cobra.Command, args []string) {
				apiKey := ""
				if len(args) == 2 {
					apiKey = args[1]
				} else {
					fmt.Print("API key: ")
					line, err := bufio.NewReader(os.Stdin).ReadString('\n')
					if err != nil && err != io.EOF {
						exitOnError(err)
					}
					apiKey = strings.TrimSpace(line)
				}

				var resp map[string]string
				exitOnError(call(http.MethodPost, "/api/auth/api-keys", map[string]string{
					"provider": args[0],
					"api_key":  apiKey,
				}, &resp))
				fmt.Println(resp["message"])
			},
		},
		&cobra.Command{
			Use:   "delete [provider]",
			Short: "Delete a provider key",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				var resp map[string]string
				exitOnError(call(http.MethodDelete, "/api/auth/api-keys/"+args[0], nil, &resp))
				fmt.Println(resp["message"])
			},
		},
		&cobra.Command{
			Use:   "validate [provider]",
			Short: "Check the stored key's format",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				var resp struct {
					IsValid bool   `json:"is_valid"`
					Message string `json:"message"`
				}
				exitOnError(call(http.MethodPost, "/api/auth/api-keys/"+args[0]+"/validate", nil, &resp))
				fmt.Println(resp.Message)
				if !resp.IsValid {
					os.Exit(1)
				}
			},
		},
	)
	return keys
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [file]",
		Short: "Upload a .txt or .md document for use in executions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			exitOnError(err)

			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			part, err := mw.CreateFormFile("file", filepath.Base(args[0]))
			exitOnError(err)
			_, err = part.Write(data)
			exitOnError(err)
			exitOnError(mw.Close())

			req, err := http.NewRequest(http.MethodPost, serverURL+"/api/files/upload", &body)
			exitOnError(err)
			req.Header.Set("Content-Type", mw.FormDataContentType())

			var resp map[string]interface{}
			exitOnError(send(req, &resp))
			fmt.Printf("Uploaded %v as %v\n", resp["filename"], resp["file_id"])
		},
	}
}

func tokenCmd() *cobra.Command {
	var password string
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange the admin password for an operator token",
		Run: func(cmd *cobra.Command, args []string) {
			if password == "" {
				fmt.Print("Password: ")
				fmt.Scanln(&password)
			}

			var resp struct {
				AccessToken string `json:"access_token"`
			}
			exitOnError(call(http.MethodPost, "/api/auth/token", map[string]string{"password": password}, &resp))

			if !save {
				fmt.Println(resp.AccessToken)
				return
			}
			if err := saveConfig(Config{ServerURL: serverURL, Token: resp.AccessToken}); err != nil {
				fmt.Printf("Warning: Failed to save config: %v\n", err)
				return
			}
			fmt.Printf("Token saved to %s\n", configPath)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Admin password")
	cmd.Flags().BoolVar(&save, "save", true, "Store the token in the CLI config file")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for auth.admin_password_hash",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			hash, err := services.HashPassword(args[0])
			exitOnError(err)
			fmt.Println(hash)
		},
	}
}
