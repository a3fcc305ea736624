// Command designboard はログインとセッション管理を提供するAPIサーバーを起動する。
//
// サブコマンド:
//
//	serve        APIサーバー（デフォルト）
//	worker       期限切れOAuth stateのクリーンアップ
//	migrate      データベースマイグレーション
//	healthcheck  /healthへの疎通確認
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/designboard/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
